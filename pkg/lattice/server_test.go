package lattice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lattice-run/lattice/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewWiresAStubServer verifies that with no live credentials or
// DATABASE_URL configured, New falls back to every stub/in-memory
// implementation and still produces a servable HTTP handler.
func TestNewWiresAStubServer(t *testing.T) {
	cfg := config.Load()
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	assert.NotNil(t, srv.Bus)
	assert.NotNil(t, srv.Intents)
	assert.NotNil(t, srv.Gate)
	assert.NotNil(t, srv.Audit)
	assert.NotNil(t, srv.Dispatcher)
	assert.NotNil(t, srv.Pipeline)
	assert.NotNil(t, srv.Supervisor)
	assert.NotNil(t, srv.Handler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestNewRegistersFleetFromCapability ensures the supervisor starts with a
// worker for every sprite the capability reports, rather than waiting for
// the first API call that happens to reference a sprite id.
func TestNewRegistersFleetFromCapability(t *testing.T) {
	cfg := config.Load()
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer srv.Shutdown(context.Background())

	snaps := srv.Supervisor.List()
	assert.NotEmpty(t, snaps, "stub sprites capability seeds a non-empty fleet")
}

func TestShutdownIsIdempotentSafe(t *testing.T) {
	cfg := config.Load()
	srv, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, srv.Shutdown(context.Background()))
}
