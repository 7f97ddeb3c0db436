package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lattice-run/lattice/internal/api/handlers"
	"github.com/lattice-run/lattice/internal/api/middleware"
	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/capability/sprites"
	"github.com/lattice-run/lattice/internal/config"
	"github.com/lattice-run/lattice/internal/fleet"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/internal/pipeline"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() http.Handler {
	b := bus.New()
	store := intent.New(kv.NewMemoryStore(), b)
	gate := safety.NewGate(safety.GateConfig{})
	audit := safety.NewAudit(b)
	p := pipeline.New(store, gate, audit)
	dispatch := capability.NewDispatcher(gate, audit, store)
	supervisor := fleet.NewSupervisor(sprites.NewStub(1), dispatch, b, fleet.Config{FastMS: 10, SlowMS: 50, CallTimeoutMS: 1000}, store)

	h := &Handlers{
		Intents: &handlers.Intents{Pipeline: p, Store: store},
		Fleet:   &handlers.Fleet{Supervisor: supervisor},
		Audit:   &handlers.Audit{Audit: audit},
		Webhook: webhook.NewHandler("", p),
	}
	return NewRouter(&config.Config{Version: "test"}, h, middleware.NewAPIKeyAuth())
}

func TestHealthAndVersion(t *testing.T) {
	r := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/version", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test")
}

func TestFleetRouteReachable(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/fleet", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stub-1")
}

func TestUnknownRouteNotFound(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
