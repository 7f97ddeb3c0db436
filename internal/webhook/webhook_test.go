package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/internal/pipeline"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cr3t"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler() (*Handler, *intent.Store) {
	b := bus.New()
	intents := intent.New(kv.NewMemoryStore(), b)
	p := pipeline.New(intents, safety.NewGate(safety.GateConfig{}), safety.NewAudit(b))
	return NewHandler(testSecret, p), intents
}

func postWebhook(h *Handler, eventType, deliveryID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	req.Header.Set(signatureHeader, sign(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRejectsInvalidSignature(t *testing.T) {
	h, _ := newTestHandler()
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set(signatureHeader, "sha256=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIssueOpenedProposesIntent(t *testing.T) {
	h, intents := newTestHandler()
	body := []byte(`{"action":"opened","issue":{"number":7,"title":"bug"},"repository":{"full_name":"org/repo"}}`)
	rec := postWebhook(h, "issues", "d1", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	found, err := intents.List(context.Background(), intent.Filters{})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestDuplicateDeliveryIsIgnored(t *testing.T) {
	h, intents := newTestHandler()
	body := []byte(`{"action":"opened","issue":{"number":7,"title":"bug"},"repository":{"full_name":"org/repo"}}`)

	rec1 := postWebhook(h, "issues", "dup-1", body)
	rec2 := postWebhook(h, "issues", "dup-1", body)
	assert.Equal(t, http.StatusOK, rec1.Code)
	assert.Equal(t, http.StatusOK, rec2.Code)

	found, err := intents.List(context.Background(), intent.Filters{})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}
