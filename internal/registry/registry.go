// Package registry is the catalog of known model variants and their
// resource footprints.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"modelrm/pkg/types"
)

// NotFoundError is returned when no entry matches a lookup. It is
// recoverable: callers try another model or report that none is available.
type NotFoundError struct {
	ID       string
	Provider string
	Type     types.ModelType
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return "model not found: " + e.ID
	}
	provider := e.Provider
	if provider == "" {
		provider = "any provider"
	}
	return fmt.Sprintf("no %s model from %s fits the current hardware", e.Type, provider)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// Registry maps model ids to metadata. Safe for concurrent use; entries are
// stored as copies and replaced whole.
type Registry struct {
	byID *xsync.MapOf[string, types.ModelMetadata]
	log  zerolog.Logger
}

// New returns an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{byID: xsync.NewMapOf[string, types.ModelMetadata](), log: log}
}

// Register inserts or replaces the entry for meta.ID.
func (r *Registry) Register(meta types.ModelMetadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	_, replaced := r.byID.Load(meta.ID)
	r.byID.Store(meta.ID, meta.Clone())
	r.log.Debug().Str("model", meta.ID).Bool("replaced", replaced).Msg("model registered")
	return nil
}

// RegisterAll registers every entry, collecting validation errors.
func (r *Registry) RegisterAll(metas []types.ModelMetadata) error {
	var errs []error
	for _, m := range metas {
		if err := r.Register(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	_, ok := r.byID.LoadAndDelete(id)
	return ok
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (types.ModelMetadata, error) {
	m, ok := r.byID.Load(id)
	if !ok {
		return types.ModelMetadata{}, &NotFoundError{ID: id}
	}
	return m.Clone(), nil
}

// Len returns the number of entries.
func (r *Registry) Len() int { return r.byID.Size() }

// List returns every entry ordered by id.
func (r *Registry) List() []types.ModelMetadata {
	return r.filter(func(types.ModelMetadata) bool { return true })
}

// ByProvider returns the entries of one provider ordered by id.
func (r *Registry) ByProvider(provider string) []types.ModelMetadata {
	return r.filter(func(m types.ModelMetadata) bool { return m.Provider == provider })
}

// ByType returns the entries of one model type ordered by id.
func (r *Registry) ByType(t types.ModelType) []types.ModelMetadata {
	return r.filter(func(m types.ModelMetadata) bool { return m.Type == t })
}

func (r *Registry) filter(keep func(types.ModelMetadata) bool) []types.ModelMetadata {
	var out []types.ModelMetadata
	r.byID.Range(func(_ string, m types.ModelMetadata) bool {
		if keep(m) {
			out = append(out, m.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindBest returns the largest model of the given provider and type whose
// hard floors fit prof. Ties go to the higher recommended VRAM, then the
// lower id. An empty provider matches every provider.
func (r *Registry) FindBest(provider string, t types.ModelType, prof types.HardwareProfile) (types.ModelMetadata, error) {
	var best types.ModelMetadata
	found := false
	r.byID.Range(func(_ string, m types.ModelMetadata) bool {
		if m.Type != t || (provider != "" && m.Provider != provider) {
			return true
		}
		if !FitsFloor(m, prof) {
			return true
		}
		if !found || better(m, best) {
			best, found = m, true
		}
		return true
	})
	if !found {
		return types.ModelMetadata{}, &NotFoundError{Provider: provider, Type: t}
	}
	return best.Clone(), nil
}

func better(a, b types.ModelMetadata) bool {
	if a.SizeGB != b.SizeGB {
		return a.SizeGB > b.SizeGB
	}
	if a.RecommendedVRAMGB != b.RecommendedVRAMGB {
		return a.RecommendedVRAMGB > b.RecommendedVRAMGB
	}
	return a.ID < b.ID
}

// FitsFloor reports whether m's hard minimums fit prof. With accelerators the
// VRAM floor is checked against the roomiest accelerator and the RAM floor
// against host RAM; on a cpu-only profile both floors apply to host RAM.
func FitsFloor(m types.ModelMetadata, prof types.HardwareProfile) bool {
	ram := prof.AvailableRAMBytes
	if !prof.HasAccelerator() {
		return ram >= types.GBToBytes(max(m.MinVRAMGB, m.MinRAMGB))
	}
	return prof.MaxAvailableVRAM() >= types.GBToBytes(m.MinVRAMGB) && ram >= types.GBToBytes(m.MinRAMGB)
}
