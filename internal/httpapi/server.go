package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modelrm/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels(provider string, t types.ModelType) []types.ModelMetadata
	GetModel(id string) (types.ModelMetadata, error)
	BestModel(ctx context.Context, provider string, t types.ModelType) (types.ModelMetadata, error)
	Profile(ctx context.Context) types.ProfileResponse
	Allocations() []types.Allocation
	Status() types.StatusResponse
	Pressure(threshold float64) types.PressureResponse
	Load(ctx context.Context, id string, preferred types.QuantizationLevel, evict bool) (types.LoadResponse, error)
	Activate(id string) error
	Touch(id string) error
	RefreshProfile(ctx context.Context) types.ProfileResponse
	Unload(ctx context.Context, id string) error
	Modes() types.ModesResponse
	SwitchMode(ctx context.Context, mode string) (types.ModeResponse, error)
	Ready() bool
}

// NewMux builds the router over svc.
func NewMux(svc Service, opts ...Option) http.Handler {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if o.cors != nil {
		r.Use(cors.Handler(*o.cors))
	}

	h := &handlers{svc: svc, opts: o}
	r.Get("/models", h.listModels)
	r.Get("/models/best", h.bestModel)
	r.Get("/models/{id}", h.getModel)
	r.Post("/models/{id}/load", h.loadModel)
	r.Post("/models/{id}/active", h.activateModel)
	r.Post("/models/{id}/touch", h.touchModel)
	r.Delete("/models/{id}", h.unloadModel)
	r.Get("/profile", h.profile)
	r.Post("/profile/refresh", h.refreshProfile)
	r.Get("/allocations", h.allocations)
	r.Get("/status", h.status)
	r.Get("/pressure", h.pressure)
	r.Get("/modes", h.modes)
	r.Post("/modes/{mode}", h.switchMode)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("starting"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

type handlers struct {
	svc  Service
	opts options
}

// modelID reads the {id} parameter. Ids may contain a slash
// ("meta/llama-3.1-8b"), which clients send escaped as %2F.
func modelID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if un, err := url.PathUnescape(id); err == nil {
		return un
	}
	return id
}

func parseType(r *http.Request, required bool) (types.ModelType, error) {
	raw := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
	if raw == "" {
		if required {
			return "", badRequest{"type is required"}
		}
		return "", nil
	}
	t := types.ModelType(raw)
	if !t.Valid() {
		return "", badRequest{"unknown model type: " + raw}
	}
	return t, nil
}

// listModels godoc
//
//	@Summary	List registered models
//	@Param		provider	query	string	false	"provider filter"
//	@Param		type		query	string	false	"model type filter"
//	@Success	200	{object}	types.ModelsResponse
//	@Failure	400	{object}	types.ErrorResponse
//	@Router		/models [get]
func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	t, err := parseType(r, false)
	if err != nil {
		writeError(w, err)
		return
	}
	models := h.svc.ListModels(r.URL.Query().Get("provider"), t)
	if models == nil {
		models = []types.ModelMetadata{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// bestModel godoc
//
//	@Summary	Largest registered model of a type that fits current headroom
//	@Param		provider	query	string	false	"provider filter"
//	@Param		type		query	string	true	"model type"
//	@Success	200	{object}	types.ModelMetadata
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/models/best [get]
func (h *handlers) bestModel(w http.ResponseWriter, r *http.Request) {
	t, err := parseType(r, true)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := h.svc.BestModel(r.Context(), r.URL.Query().Get("provider"), t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *handlers) getModel(w http.ResponseWriter, r *http.Request) {
	m, err := h.svc.GetModel(modelID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// loadModel godoc
//
//	@Summary	Reserve memory for a model and run its load handler
//	@Param		id		path	string				true	"model id"
//	@Param		body	body	types.LoadRequest	false	"options"
//	@Success	200	{object}	types.LoadResponse
//	@Failure	404	{object}	types.ErrorResponse
//	@Failure	409	{object}	types.ErrorResponse
//	@Failure	422	{object}	types.ErrorResponse
//	@Failure	503	{object}	types.ErrorResponse
//	@Router		/models/{id}/load [post]
func (h *handlers) loadModel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := modelID(r)
	req, err := h.decodeLoadRequest(w, r)
	if err != nil {
		h.logOutcome(r, "load", id, writeError(w, err), start, err)
		return
	}
	q, err := types.ParseQuantizationLevel(req.Quantization)
	if err != nil {
		h.logOutcome(r, "load", id, writeError(w, badRequest{err.Error()}), start, err)
		return
	}
	ctx, cancel := h.operationContext(r)
	defer cancel()
	resp, err := h.svc.Load(ctx, id, q, req.Evict)
	if err != nil {
		h.logOutcome(r, "load", id, writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	h.logOutcome(r, "load", id, http.StatusOK, start, nil)
}

// decodeLoadRequest accepts an empty body as "no options".
func (h *handlers) decodeLoadRequest(w http.ResponseWriter, r *http.Request) (types.LoadRequest, error) {
	var req types.LoadRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		return req, unsupportedMedia{}
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.maxBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, badRequest{"invalid JSON body"}
	}
	return req, nil
}

type unsupportedMedia struct{}

func (unsupportedMedia) Error() string   { return "Content-Type must be application/json" }
func (unsupportedMedia) StatusCode() int { return http.StatusUnsupportedMediaType }

func (h *handlers) activateModel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Activate(modelID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// touchModel godoc
//
//	@Summary	Mark a loaded model as recently used
//	@Param		id	path	string	true	"model id"
//	@Success	204
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/models/{id}/touch [post]
func (h *handlers) touchModel(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Touch(modelID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// unloadModel godoc
//
//	@Summary	Unload a model and release its memory (idempotent)
//	@Param		id	path	string	true	"model id"
//	@Success	204
//	@Router		/models/{id} [delete]
func (h *handlers) unloadModel(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := modelID(r)
	ctx, cancel := h.operationContext(r)
	defer cancel()
	if err := h.svc.Unload(ctx, id); err != nil {
		// memory is released even when the handler fails
		h.logOutcome(r, "unload", id, writeError(w, err), start, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.logOutcome(r, "unload", id, http.StatusNoContent, start, nil)
}

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Profile(r.Context()))
}

// refreshProfile godoc
//
//	@Summary	Re-measure the hardware and rebase allocator budgets
//	@Success	200	{object}	types.ProfileResponse
//	@Router		/profile/refresh [post]
func (h *handlers) refreshProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.RefreshProfile(r.Context()))
}

func (h *handlers) allocations(w http.ResponseWriter, r *http.Request) {
	allocs := h.svc.Allocations()
	if allocs == nil {
		allocs = []types.Allocation{}
	}
	writeJSON(w, http.StatusOK, types.AllocationsResponse{Allocations: allocs})
}

// status godoc
//
//	@Summary	Allocator accounting, tracked instances and counters
//	@Success	200	{object}	types.StatusResponse
//	@Router		/status [get]
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status())
}

// pressure godoc
//
//	@Summary	Per-device memory pressure
//	@Param		threshold	query	number	false	"threshold in (0,1]; default from config"
//	@Success	200	{object}	types.PressureResponse
//	@Failure	400	{object}	types.ErrorResponse
//	@Router		/pressure [get]
func (h *handlers) pressure(w http.ResponseWriter, r *http.Request) {
	var threshold float64
	if v := r.URL.Query().Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 || f > 1 {
			writeError(w, badRequest{"threshold must be a number in (0,1]"})
			return
		}
		threshold = f
	}
	writeJSON(w, http.StatusOK, h.svc.Pressure(threshold))
}

func (h *handlers) modes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Modes())
}

// switchMode godoc
//
//	@Summary	Switch the balancer to a mode
//	@Param		mode	path	string	true	"mode name"
//	@Success	200	{object}	types.ModeResponse
//	@Failure	404	{object}	types.ErrorResponse
//	@Failure	500	{object}	types.ErrorResponse	"switch incomplete; unrestored lists the models"
//	@Router		/modes/{mode} [post]
func (h *handlers) switchMode(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	mode := chi.URLParam(r, "mode")
	ctx, cancel := h.operationContext(r)
	defer cancel()
	resp, err := h.svc.SwitchMode(ctx, mode)
	if err != nil {
		h.logOutcome(r, "switch", mode, writeError(w, err), start, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
	h.logOutcome(r, "switch", mode, http.StatusOK, start, nil)
}
