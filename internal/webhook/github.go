// Package webhook implements the GitHub webhook handler: HMAC-SHA256
// signature verification, delivery-id based idempotency, and translation
// of inbound events into proposed intents.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lattice-run/lattice/internal/pipeline"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"

	maxBodySize  = 1 << 20 // 1 MB
	dedupTTL     = 5 * time.Minute
)

// dedupCache remembers recently processed delivery ids for dedupTTL, after
// which they're evicted and a redelivered id would be reprocessed.
type dedupCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{seen: make(map[string]time.Time)}
}

// seenRecently reports whether id was marked within the last dedupTTL, and
// marks it seen now regardless.
func (d *dedupCache) seenRecently(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for existing, at := range d.seen {
		if now.Sub(at) > dedupTTL {
			delete(d.seen, existing)
		}
	}

	if at, ok := d.seen[id]; ok && now.Sub(at) <= dedupTTL {
		return true
	}
	d.seen[id] = now
	return false
}

// Handler is the GitHub webhook HTTP endpoint.
type Handler struct {
	secret   string
	pipeline *pipeline.Pipeline
	dedup    *dedupCache
}

// NewHandler builds a Handler that verifies signatures against secret and
// proposes intents through p.
func NewHandler(secret string, p *pipeline.Pipeline) *Handler {
	return &Handler{secret: secret, pipeline: p, dedup: newDedupCache()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if h.secret == "" {
		http.Error(w, "webhook secret not configured", http.StatusInternalServerError)
		return
	}
	if !verifySignature([]byte(h.secret), r.Header.Get(signatureHeader), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	deliveryID := r.Header.Get(deliveryHeader)
	if deliveryID != "" && h.dedup.seenRecently(deliveryID) {
		log.Debug().Str("delivery", deliveryID).Msg("duplicate github webhook delivery, acking without side effects")
		w.WriteHeader(http.StatusOK)
		return
	}

	eventType := r.Header.Get(eventHeader)
	log.Debug().Str("event", eventType).Str("delivery", deliveryID).Msg("github webhook received")

	ctx := r.Context()
	switch eventType {
	case "ping":
		// no-op; acknowledges webhook configuration
	case "issues":
		h.handleIssue(ctx, body)
	case "pull_request":
		h.handlePullRequest(ctx, body)
	default:
		log.Debug().Str("event", eventType).Msg("ignoring unhandled github event type")
	}

	w.WriteHeader(http.StatusOK)
}

func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

type issuesEvent struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *Handler) handleIssue(ctx context.Context, body []byte) {
	var event issuesEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Msg("failed to parse issues webhook payload")
		return
	}
	if event.Action != "opened" && event.Action != "reopened" {
		return
	}
	h.proposeIssueTriage(ctx, event)
}

func (h *Handler) proposeIssueTriage(ctx context.Context, event issuesEvent) {
	in := &models.Intent{
		Kind:    models.IntentIssueTriage,
		Source:  models.Source{Type: models.SourceWebhook, ID: "github"},
		Summary: event.Issue.Title,
		Payload: map[string]interface{}{
			"repo":         event.Repository.FullName,
			"issue_number": event.Issue.Number,
			"body":         event.Issue.Body,
		},
	}
	if _, err := h.pipeline.Propose(ctx, in, pipeline.Action{Capability: "github", Operation: "get_issue"}); err != nil {
		log.Warn().Err(err).Msg("failed to propose issue_triage intent from webhook")
	}
}

type pullRequestEvent struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *Handler) handlePullRequest(ctx context.Context, body []byte) {
	var event pullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Msg("failed to parse pull_request webhook payload")
		return
	}
	if event.Action != "synchronize" && event.Action != "opened" {
		return
	}
	in := &models.Intent{
		Kind:    models.IntentPRFixup,
		Source:  models.Source{Type: models.SourceWebhook, ID: "github"},
		Summary: event.PullRequest.Title,
		Payload: map[string]interface{}{
			"repo":      event.Repository.FullName,
			"pr_number": event.PullRequest.Number,
		},
	}
	if _, err := h.pipeline.Propose(ctx, in, pipeline.Action{Capability: "github", Operation: "list_reviews"}); err != nil {
		log.Warn().Err(err).Msg("failed to propose pr_fixup intent from webhook")
	}
}
