// Package handlers implements the HTTP surface over the intent pipeline,
// fleet supervisor, and audit trail.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lattice-run/lattice/internal/api/middleware"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/pipeline"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/rs/zerolog/log"
)

// Intents exposes the Intent Pipeline over HTTP.
type Intents struct {
	Pipeline *pipeline.Pipeline
	Store    *intent.Store
}

type proposeRequest struct {
	Kind       models.IntentKind      `json:"kind"`
	Summary    string                 `json:"summary"`
	Source     models.Source          `json:"source"`
	Payload    map[string]interface{} `json:"payload"`
	Capability string                 `json:"capability"`
	Operation  string                 `json:"operation"`
}

// Propose handles POST /api/v1/intents.
func (h *Intents) Propose(w http.ResponseWriter, r *http.Request) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Source.Type == "" {
		req.Source = models.Source{Type: models.SourceOperator, ID: middleware.GetActor(r.Context())}
	}
	in := &models.Intent{
		Kind:    req.Kind,
		Summary: req.Summary,
		Source:  req.Source,
		Payload: req.Payload,
	}
	action := pipeline.Action{Capability: req.Capability, Operation: req.Operation}
	out, err := h.Pipeline.Propose(r.Context(), in, action)
	if err != nil {
		log.Warn().Err(err).Msg("propose intent failed")
	}
	writeJSON(w, http.StatusCreated, out)
}

// Get handles GET /api/v1/intents/{id}.
func (h *Intents) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	in, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, in)
}

// List handles GET /api/v1/intents.
func (h *Intents) List(w http.ResponseWriter, r *http.Request) {
	f := intent.Filters{
		Kind:           models.IntentKind(r.URL.Query().Get("kind")),
		State:          models.IntentState(r.URL.Query().Get("state")),
		SourceType:     models.SourceType(r.URL.Query().Get("source_type")),
		Classification: models.Classification(r.URL.Query().Get("classification")),
		ParentIntentID: r.URL.Query().Get("parent_intent_id"),
	}
	out, err := h.Store.List(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Approve handles POST /api/v1/intents/{id}/approve.
func (h *Intents) Approve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, err := h.Pipeline.Approve(r.Context(), id, middleware.GetActor(r.Context()))
	if err != nil {
		writeError(w, http.StatusConflict, "approve_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /api/v1/intents/{id}/reject.
func (h *Intents) Reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rejectRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	out, err := h.Pipeline.Reject(r.Context(), id, middleware.GetActor(r.Context()), req.Reason)
	if err != nil {
		writeError(w, http.StatusConflict, "reject_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel handles POST /api/v1/intents/{id}/cancel.
func (h *Intents) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state := models.IntentCanceled
	out, err := h.Store.Update(r.Context(), id, intent.Changes{
		State:  &state,
		Actor:  middleware.GetActor(r.Context()),
		Reason: "canceled via api",
	})
	if err != nil {
		writeError(w, http.StatusConflict, "cancel_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
