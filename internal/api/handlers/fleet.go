package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lattice-run/lattice/internal/fleet"
	"github.com/lattice-run/lattice/internal/protocol"
	"github.com/lattice-run/lattice/pkg/models"
)

// Fleet exposes the Fleet Supervisor over HTTP.
type Fleet struct {
	Supervisor *fleet.Supervisor
	AuditTimeout time.Duration
}

// List handles GET /api/v1/fleet.
func (h *Fleet) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Supervisor.List())
}

// Get handles GET /api/v1/fleet/{id}.
func (h *Fleet) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := h.Supervisor.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// spriteIDsRequest accepts either a single id or a batch of ids, so
// existing single-sprite callers keep working unchanged.
type spriteIDsRequest struct {
	ID  string   `json:"id,omitempty"`
	IDs []string `json:"ids,omitempty"`
}

func (req spriteIDsRequest) ids() []string {
	if len(req.IDs) > 0 {
		return req.IDs
	}
	if req.ID != "" {
		return []string{req.ID}
	}
	return nil
}

// batchResult renders a {id -> ok|error} map as JSON-friendly string values.
func batchResult(results map[string]error) map[string]string {
	out := make(map[string]string, len(results))
	for id, err := range results {
		if err != nil {
			out[id] = err.Error()
		} else {
			out[id] = "ok"
		}
	}
	return out
}

func anyFailed(results map[string]error) bool {
	for _, err := range results {
		if err != nil {
			return true
		}
	}
	return false
}

// Wake handles POST /api/v1/fleet/wake, accepting a batch of sprite ids.
func (h *Fleet) Wake(w http.ResponseWriter, r *http.Request) {
	var req spriteIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	ids := req.ids()
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "id or ids required")
		return
	}
	results := h.Supervisor.Wake(ids)
	status := http.StatusAccepted
	if anyFailed(results) {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, batchResult(results))
}

// Sleep handles POST /api/v1/fleet/sleep, accepting a batch of sprite ids.
func (h *Fleet) Sleep(w http.ResponseWriter, r *http.Request) {
	var req spriteIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	ids := req.ids()
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "id or ids required")
		return
	}
	results := h.Supervisor.Sleep(ids)
	status := http.StatusAccepted
	if anyFailed(results) {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, batchResult(results))
}

type executeRunRequest struct {
	IntentID string `json:"intent_id"`
	Command  string `json:"command"`
	Mode     string `json:"mode"`
}

// ExecuteRun handles POST /api/v1/fleet/{id}/runs: starts a run for an
// approved intent on sprite id, streaming its exec_ws session through the
// Protocol Parser until it completes, waits, or errors.
func (h *Fleet) ExecuteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req executeRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.IntentID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "intent_id and command are required")
		return
	}
	mode := models.RunMode(req.Mode)
	if mode == "" {
		mode = models.RunModeExecWS
	}

	run := models.Run{ID: protocol.NewRunID(), IntentID: req.IntentID, SpriteID: id, Command: req.Command, Mode: mode}
	result, err := h.Supervisor.ExecuteRun(r.Context(), id, run)
	if err != nil {
		writeError(w, http.StatusBadGateway, "exec_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": run.ID, "result": result})
}

// GetRun handles GET /api/v1/fleet/{id}/runs/{runID}.
func (h *Fleet) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, ok := h.Supervisor.GetRun(runID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "run "+runID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Audit handles POST /api/v1/fleet/audit: broadcasts a fleet-wide reconcile
// and waits (bounded by AuditTimeout) for a partial or complete summary.
func (h *Fleet) Audit(w http.ResponseWriter, r *http.Request) {
	timeout := h.AuditTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	summary := h.Supervisor.RunAudit(ctx, timeout)
	status := http.StatusOK
	if summary.TimedOut {
		status = http.StatusAccepted
	}
	writeJSON(w, status, summary)
}
