package safety

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/pkg/models"
)

// sensitiveKeys is the fixed, case-insensitive set of map keys redacted
// before an audit entry is emitted or persisted.
var sensitiveKeys = map[string]struct{}{
	"token":        {},
	"password":     {},
	"secret":       {},
	"key":          {},
	"api_key":      {},
	"access_token": {},
}

const redacted = "[REDACTED]"

// Sanitize returns a copy of args with sensitive keys redacted. Non-map
// values pass through unchanged; nested maps are sanitized recursively.
func Sanitize(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = Sanitize(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// AuditFilter narrows List results.
type AuditFilter struct {
	Capability string
	Result     models.AuditResult
	Limit      int
}

// Audit is the append-only audit trail. Every capability dispatch —
// including denials — produces exactly one entry here, which is also
// published on the safety:audit bus topic.
type Audit struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
	bus     *bus.Bus
	now     func() time.Time
}

// NewAudit creates an Audit sink that publishes on b (may be nil to disable
// bus fan-out, e.g. in unit tests that only care about persistence).
func NewAudit(b *bus.Bus) *Audit {
	return &Audit{bus: b, now: time.Now}
}

// Record appends entry (assigning an id/timestamp if unset) and publishes it.
func (a *Audit) Record(_ context.Context, entry models.AuditEntry) models.AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now().UTC()
	}
	entry.SanitizedArgs = Sanitize(entry.SanitizedArgs)

	a.mu.Lock()
	a.entries = append(a.entries, entry)
	a.mu.Unlock()

	if a.bus != nil {
		a.bus.Publish(bus.TopicSafetyAudit, entry)
	}
	return entry
}

// List returns entries matching f, most recent first.
func (a *Audit) List(f AuditFilter) []models.AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]models.AuditEntry, 0, len(a.entries))
	for i := len(a.entries) - 1; i >= 0; i-- {
		e := a.entries[i]
		if f.Capability != "" && e.Capability != f.Capability {
			continue
		}
		if f.Result != "" && e.Result != f.Result {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Count returns the number of recorded entries.
func (a *Audit) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}
