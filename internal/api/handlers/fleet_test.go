package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/capability/sprites"
	"github.com/lattice-run/lattice/internal/fleet"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFleet(t *testing.T, n int) (*Fleet, chi.Router) {
	t.Helper()
	b := bus.New()
	stub := sprites.NewStub(n)
	store := intent.New(kv.NewMemoryStore(), b)
	dispatch := capability.NewDispatcher(safety.NewGate(safety.GateConfig{AllowControlled: true}), safety.NewAudit(b), store)
	supervisor := fleet.NewSupervisor(stub, dispatch, b, fleet.Config{FastMS: 10, SlowMS: 50, CallTimeoutMS: 1000}, store)

	ctx := context.Background()
	list, err := stub.List(ctx)
	require.NoError(t, err)
	for _, s := range list {
		supervisor.Register(ctx, s.ID)
	}

	h := &Fleet{Supervisor: supervisor, AuditTimeout: time.Second}
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/wake", h.Wake)
	r.Post("/sleep", h.Sleep)
	r.Post("/audit", h.Audit)
	r.Post("/{id}/runs", h.ExecuteRun)
	r.Get("/{id}/runs/{runID}", h.GetRun)
	return h, r
}

func TestFleetList(t *testing.T) {
	_, r := newTestFleet(t, 3)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []models.SpriteSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 3)
}

func TestFleetGetUnknownNotFound(t *testing.T) {
	_, r := newTestFleet(t, 1)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFleetWakeUnknownSpriteReturnsPerIDError(t *testing.T) {
	_, r := newTestFleet(t, 0)
	body, _ := json.Marshal(spriteIDsRequest{ID: "ghost"})
	req := httptest.NewRequest(http.MethodPost, "/wake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMultiStatus, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.NotEqual(t, "ok", out["ghost"])
}

func TestFleetWakeKnownSprite(t *testing.T) {
	h, r := newTestFleet(t, 1)
	snaps := h.Supervisor.List()
	require.Len(t, snaps, 1)

	body, _ := json.Marshal(spriteIDsRequest{ID: snaps[0].ID})
	req := httptest.NewRequest(http.MethodPost, "/wake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out[snaps[0].ID])
}

func TestFleetWakeBatchMultipleSprites(t *testing.T) {
	h, r := newTestFleet(t, 2)
	snaps := h.Supervisor.List()
	require.Len(t, snaps, 2)

	body, _ := json.Marshal(spriteIDsRequest{IDs: []string{snaps[0].ID, snaps[1].ID}})
	req := httptest.NewRequest(http.MethodPost, "/wake", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 2)
}

func TestFleetExecuteRunAndGetRun(t *testing.T) {
	h, r := newTestFleet(t, 1)
	snaps := h.Supervisor.List()
	require.Len(t, snaps, 1)
	id := snaps[0].ID

	body, _ := json.Marshal(executeRunRequest{IntentID: "intent-1", Command: "echo hi"})
	req := httptest.NewRequest(http.MethodPost, "/"+id+"/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	runID, ok := out["run_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, runID)

	// ExecuteRun only enqueues ingested events onto the worker's inbox; the
	// worker applies them asynchronously, so poll until the run converges.
	var run models.Run
	require.Eventually(t, func() bool {
		getReq := httptest.NewRequest(http.MethodGet, "/"+id+"/runs/"+runID, nil)
		getRec := httptest.NewRecorder()
		r.ServeHTTP(getRec, getReq)
		if getRec.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(getRec.Body.Bytes(), &run); err != nil {
			return false
		}
		return run.Status == models.RunSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestFleetGetRunUnknownNotFound(t *testing.T) {
	_, r := newTestFleet(t, 1)
	req := httptest.NewRequest(http.MethodGet, "/stub-1/runs/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFleetExecuteRunRejectsMissingFields(t *testing.T) {
	_, r := newTestFleet(t, 1)
	body, _ := json.Marshal(executeRunRequest{Command: "echo hi"})
	req := httptest.NewRequest(http.MethodPost, "/stub-1/runs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFleetAuditReturnsSummary(t *testing.T) {
	_, r := newTestFleet(t, 2)
	req := httptest.NewRequest(http.MethodPost, "/audit", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code)

	var summary fleet.AuditSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.Total)
}
