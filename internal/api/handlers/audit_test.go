package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditListFiltersByCapability(t *testing.T) {
	a := safety.NewAudit(bus.New())
	a.Record(context.Background(), models.AuditEntry{Capability: "sprites", Operation: "wake", Result: models.AuditAllowed})
	a.Record(context.Background(), models.AuditEntry{Capability: "github", Operation: "list_issues", Result: models.AuditAllowed})

	h := &Audit{Audit: a}
	r := chi.NewRouter()
	r.Get("/", h.List)

	req := httptest.NewRequest(http.MethodGet, "/?capability=sprites", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []models.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "sprites", out[0].Capability)
}

func TestAuditListRespectsLimit(t *testing.T) {
	a := safety.NewAudit(bus.New())
	for i := 0; i < 5; i++ {
		a.Record(context.Background(), models.AuditEntry{Capability: "sprites", Operation: "list", Result: models.AuditAllowed})
	}

	h := &Audit{Audit: a}
	r := chi.NewRouter()
	r.Get("/", h.List)

	req := httptest.NewRequest(http.MethodGet, "/?limit=2", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out []models.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Len(t, out, 2)
}
