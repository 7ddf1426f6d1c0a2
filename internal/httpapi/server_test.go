package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelrm/internal/allocator"
	"modelrm/internal/balancer"
	"modelrm/internal/hardware"
	"modelrm/internal/manager"
	"modelrm/internal/registry"
	"modelrm/pkg/types"
)

func testModels() []types.ModelMetadata {
	return []types.ModelMetadata{
		{ID: "chat", Provider: "acme", Type: types.ModelLLM, SizeGB: 8, SupportsQuantization: true,
			QuantizationLevels: []types.QuantizationLevel{types.QuantINT4, types.QuantINT8, types.QuantFP16}},
		{ID: "acme/tiny", Provider: "acme", Type: types.ModelLLM, SizeGB: 1},
		{ID: "art", Provider: "stability", Type: types.ModelDiffusion, SizeGB: 7, MinVRAMGB: 7},
		{ID: "huge", Provider: "acme", Type: types.ModelLLM, SizeGB: 50, MinVRAMGB: 50},
	}
}

// newTestServer wires a real manager and balancer over a 10 GiB static GPU.
func newTestServer(t *testing.T, artModels ...string) (http.Handler, *Backend) {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	if err := reg.RegisterAll(testModels()); err != nil {
		t.Fatalf("register: %v", err)
	}
	prof := types.NewHardwareProfile([]types.Accelerator{{
		ID: "gpu0", TotalVRAMBytes: types.GBToBytes(10), AvailableVRAMBytes: types.GBToBytes(10),
	}}, types.GBToBytes(32), types.GBToBytes(16), time.Unix(0, 0))
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:  reg,
		Profiler:  hardware.NewStatic(prof),
		Allocator: allocator.New(prof, allocator.Options{}),
	})
	if len(artModels) == 0 {
		artModels = []string{"art"}
	}
	bal, err := balancer.New(mgr, balancer.Config{Modes: [2]balancer.ModeSpec{
		{Name: "chat", Types: []types.ModelType{types.ModelLLM}, Models: []string{"chat"}},
		{Name: "art", Types: []types.ModelType{types.ModelDiffusion}, Models: artModels},
	}})
	if err != nil {
		t.Fatalf("balancer: %v", err)
	}
	be := NewBackend(mgr, bal)
	be.SetReady(true)
	return NewMux(be), be
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v body=%s", err, rec.Body.String())
	}
	return v
}

func TestModelsHandler(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	if got := decode[types.ModelsResponse](t, rec); len(got.Models) != 4 {
		t.Fatalf("models len=%d", len(got.Models))
	}

	rec = do(t, h, http.MethodGet, "/models?type=llm&provider=acme", "")
	if got := decode[types.ModelsResponse](t, rec); len(got.Models) != 3 {
		t.Fatalf("filtered len=%d", len(got.Models))
	}
	rec = do(t, h, http.MethodGet, "/models?provider=stability", "")
	if got := decode[types.ModelsResponse](t, rec); len(got.Models) != 1 || got.Models[0].ID != "art" {
		t.Fatalf("provider filter: %+v", got.Models)
	}
	if rec := do(t, h, http.MethodGet, "/models?type=hologram", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad type status=%d", rec.Code)
	}
}

func TestGetModelWithEscapedSlash(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/models/acme%2Ftiny", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[types.ModelMetadata](t, rec); got.ID != "acme/tiny" {
		t.Fatalf("id=%q", got.ID)
	}
	if rec := do(t, h, http.MethodGet, "/models/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing model status=%d", rec.Code)
	}
}

func TestBestModel(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodGet, "/models/best?type=llm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[types.ModelMetadata](t, rec); got.ID != "chat" {
		t.Fatalf("best=%q, huge must be excluded by its floor", got.ID)
	}
	if rec := do(t, h, http.MethodGet, "/models/best", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing type status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/models/best?type=tts", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("no tts status=%d", rec.Code)
	}
}

func TestLoadLifecycle(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/models/chat/load", `{"quantization":"int8"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("load status=%d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[types.LoadResponse](t, rec)
	if got.Plan.Quantization != types.QuantINT8 || got.Plan.Allocation.Device != "gpu0" {
		t.Fatalf("unexpected plan: %+v", got.Plan)
	}

	if rec := do(t, h, http.MethodPost, "/models/chat/load", ""); rec.Code != http.StatusConflict {
		t.Fatalf("second load status=%d", rec.Code)
	}

	allocs := decode[types.AllocationsResponse](t, do(t, h, http.MethodGet, "/allocations", ""))
	if len(allocs.Allocations) != 1 || allocs.Allocations[0].ModelID != "chat" {
		t.Fatalf("allocations: %+v", allocs)
	}
	st := decode[types.StatusResponse](t, do(t, h, http.MethodGet, "/status", ""))
	if len(st.LoadedModels) != 1 || st.LoadsTotal != 1 || len(st.Instances) != 1 || st.Instances[0].State != "active" {
		t.Fatalf("status: %+v", st)
	}

	if rec := do(t, h, http.MethodDelete, "/models/chat", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("unload status=%d", rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/models/chat", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("second unload must be a no-op, status=%d", rec.Code)
	}
	allocs = decode[types.AllocationsResponse](t, do(t, h, http.MethodGet, "/allocations", ""))
	if len(allocs.Allocations) != 0 {
		t.Fatalf("allocations after unload: %+v", allocs)
	}
}

func TestLoadErrorMapping(t *testing.T) {
	h, _ := newTestServer(t)
	cases := []struct {
		path, body string
		want       int
	}{
		{"/models/nope/load", "", http.StatusNotFound},
		{"/models/huge/load", "", http.StatusUnprocessableEntity},
		{"/models/chat/load", `{"quantization":"int3"}`, http.StatusBadRequest},
		{"/models/chat/load", "not-json", http.StatusBadRequest},
	}
	for _, c := range cases {
		if rec := do(t, h, http.MethodPost, c.path, c.body); rec.Code != c.want {
			t.Fatalf("%s %q: status=%d want %d body=%s", c.path, c.body, rec.Code, c.want, rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/models/chat/load", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain status=%d", rec.Code)
	}
}

func TestLoadBodyTooLarge(t *testing.T) {
	h, _ := newTestServer(t)
	big := `{"quantization":"` + strings.Repeat("a", (1<<20)+10) + `"}`
	if rec := do(t, h, http.MethodPost, "/models/chat/load", big); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too-large body, got %d", rec.Code)
	}
}

func TestLoadWithEviction(t *testing.T) {
	h, _ := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/models/chat/load", ""); rec.Code != http.StatusOK {
		t.Fatalf("chat load status=%d", rec.Code)
	}
	// chat holds 8 of 10 GiB; art needs 7 and cannot be quantized, but would
	// fit an empty device
	if rec := do(t, h, http.MethodPost, "/models/art/load", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("art without eviction status=%d", rec.Code)
	}
	rec := do(t, h, http.MethodPost, "/models/art/load", `{"evict":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[types.LoadResponse](t, rec)
	if len(got.Evicted) != 1 || got.Evicted[0] != "chat" || got.Plan.Metadata.ID != "art" {
		t.Fatalf("expected chat to be evicted for art: %+v", got)
	}
}

func TestActivateUnknown404(t *testing.T) {
	h, _ := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/models/chat/active", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestTouchModel(t *testing.T) {
	h, be := newTestServer(t)
	if rec := do(t, h, http.MethodPost, "/models/chat/touch", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("touch before load status=%d", rec.Code)
	}
	do(t, h, http.MethodPost, "/models/chat/load", "")
	before, _ := be.mgr.Instance("chat")
	time.Sleep(2 * time.Millisecond)
	if rec := do(t, h, http.MethodPost, "/models/chat/touch", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("touch status=%d body=%s", rec.Code, rec.Body.String())
	}
	after, _ := be.mgr.Instance("chat")
	if !after.LastUsed.After(before.LastUsed) {
		t.Fatalf("touch did not bump last use: %v -> %v", before.LastUsed, after.LastUsed)
	}
}

func TestRefreshProfileRebasesBudgets(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/models/chat/load", "")
	rec := do(t, h, http.MethodPost, "/profile/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	got := decode[types.ProfileResponse](t, rec)
	if len(got.Devices) != 2 {
		t.Fatalf("devices: %+v", got.Devices)
	}
	for _, d := range got.Devices {
		// the static profile does not see loaded models, so the budget holds
		if d.Device == "gpu0" && d.BudgetBytes != types.GBToBytes(10) {
			t.Fatalf("gpu0 budget after refresh: %+v", d)
		}
	}
}

func TestPressureHandler(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/models/chat/load", "")
	got := decode[types.PressureResponse](t, do(t, h, http.MethodGet, "/pressure?threshold=0.5", ""))
	if !got.UnderPressure || got.Threshold != 0.5 {
		t.Fatalf("8 of 10 GiB is above 0.5: %+v", got)
	}
	got = decode[types.PressureResponse](t, do(t, h, http.MethodGet, "/pressure", ""))
	if got.UnderPressure || got.Threshold != 0.85 {
		t.Fatalf("0.8 is below the default threshold: %+v", got)
	}
	if rec := do(t, h, http.MethodGet, "/pressure?threshold=2", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestProfileHandler(t *testing.T) {
	h, _ := newTestServer(t)
	got := decode[types.ProfileResponse](t, do(t, h, http.MethodGet, "/profile", ""))
	if len(got.Profile.Accelerators) != 1 || len(got.Devices) != 2 {
		t.Fatalf("profile: %+v", got)
	}
}

func TestModeSwitching(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/modes/chat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	mr := decode[types.ModeResponse](t, rec)
	if mr.Mode != "chat" || len(mr.Loaded) != 1 || mr.Loaded[0] != "chat" || mr.OperationID == "" {
		t.Fatalf("mode response: %+v", mr)
	}

	mr = decode[types.ModeResponse](t, do(t, h, http.MethodPost, "/modes/art", ""))
	if len(mr.Loaded) != 1 || mr.Loaded[0] != "art" {
		t.Fatalf("art loaded: %+v", mr)
	}
	modes := decode[types.ModesResponse](t, do(t, h, http.MethodGet, "/modes", ""))
	if modes.Active != "art" || len(modes.Modes) != 2 || len(modes.Modes[0].Remembered) != 1 {
		t.Fatalf("modes: %+v", modes)
	}
	st := decode[types.StatusResponse](t, do(t, h, http.MethodGet, "/status", ""))
	if st.ActiveMode != "art" {
		t.Fatalf("status mode=%q", st.ActiveMode)
	}

	if rec := do(t, h, http.MethodPost, "/modes/video", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown mode status=%d", rec.Code)
	}
}

func TestModeSwitchFailureListsUnrestored(t *testing.T) {
	h, _ := newTestServer(t, "art", "huge")
	rec := do(t, h, http.MethodPost, "/modes/art", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[types.ErrorResponse](t, rec)
	if len(got.Unrestored) != 1 || got.Unrestored[0] != "huge" {
		t.Fatalf("unrestored: %+v", got)
	}
}

// loadErrService fails every load with err; other methods are unused.
type loadErrService struct {
	Service
	err error
}

func (s loadErrService) Load(context.Context, string, types.QuantizationLevel, bool) (types.LoadResponse, error) {
	return types.LoadResponse{}, s.err
}

func TestOutOfMemoryMaps503(t *testing.T) {
	h := NewMux(loadErrService{err: &allocator.OutOfMemoryError{ModelID: "x", Device: "gpu0", Requested: 2, Available: 1, Shortfall: 1}})
	if rec := do(t, h, http.MethodPost, "/models/x/load", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	h = NewMux(loadErrService{err: &allocator.AlreadyReservedError{ModelID: "x", Device: "gpu0"}})
	if rec := do(t, h, http.MethodPost, "/models/x/load", ""); rec.Code != http.StatusConflict {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	h, be := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	be.SetReady(false)
	rec := do(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "starting") {
		t.Fatalf("status=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestServer(t)
	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	_, be := newTestServer(t)
	h := NewMux(be, WithCORS([]string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"}))
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestNoBalancerModes(t *testing.T) {
	_, be := newTestServer(t)
	bare := NewBackend(be.mgr, nil)
	if got := bare.Modes(); len(got.Modes) != 0 {
		t.Fatalf("modes: %+v", got)
	}
	if _, err := bare.SwitchMode(context.Background(), "chat"); !balancer.IsUnknownMode(err) {
		t.Fatalf("want unknown mode, got %v", err)
	}
}
