package handlers

import (
	"net/http"
	"strconv"

	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/pkg/models"
)

// Audit exposes the safety audit trail read-only; entries are created by
// the Capability Dispatcher and Intent Pipeline, never by this handler.
type Audit struct {
	Audit *safety.Audit
}

// List handles GET /api/v1/audit.
func (h *Audit) List(w http.ResponseWriter, r *http.Request) {
	f := safety.AuditFilter{
		Capability: r.URL.Query().Get("capability"),
		Result:     models.AuditResult(r.URL.Query().Get("result")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}
	writeJSON(w, http.StatusOK, h.Audit.List(f))
}
