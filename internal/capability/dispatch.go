package capability

import (
	"context"
	"time"

	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/sony/gobreaker"
)

// DefaultTimeout is the default deadline applied to a capability call when
// the caller's context carries no earlier deadline.
const DefaultTimeout = 15 * time.Second

// Call is the underlying capability invocation, wrapped after it clears
// classification and gating.
type Call func(ctx context.Context) (interface{}, error)

// Dispatcher implements the classify → gate → audit → call pipeline shared
// by every capability invocation, regardless of which concrete capability
// (sprites, github, fly, secrets) is being called.
type Dispatcher struct {
	Gate    *safety.Gate
	Audit   *safety.Audit
	Intents *intent.Store

	breakers map[string]*gobreaker.CircuitBreaker
	now      func() time.Time
}

// NewDispatcher builds a Dispatcher. intents may be nil if require_approval
// decisions should not create pending intents (e.g. in tests).
func NewDispatcher(gate *safety.Gate, audit *safety.Audit, intents *intent.Store) *Dispatcher {
	return &Dispatcher{
		Gate:     gate,
		Audit:    audit,
		Intents:  intents,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		now:      time.Now,
	}
}

func (d *Dispatcher) breakerFor(capabilityName string) *gobreaker.CircuitBreaker {
	if cb, ok := d.breakers[capabilityName]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        capabilityName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[capabilityName] = cb
	return cb
}

// Dispatch classifies (capability, operation), asks the Gate for a
// decision, audits the outcome unconditionally, and — only on allow —
// invokes call through that capability's circuit breaker. affected and
// payload feed the Gate's policy rules (path_auto_approve, repo_override);
// actor identifies who/what triggered the call for the audit trail.
func (d *Dispatcher) Dispatch(ctx context.Context, capabilityName, operation string, affected []string, payload map[string]interface{}, actor string, call Call) (interface{}, error) {
	start := d.now()

	action, err := safety.Classify(capabilityName, operation)
	if err != nil {
		d.Audit.Record(ctx, models.AuditEntry{
			Capability: capabilityName,
			Operation:  operation,
			Result:     models.AuditError,
			Actor:      actor,
			DurationMs: d.since(start),
		})
		return nil, err
	}

	decision, reason := d.Gate.Decide(action, affected, payload)

	switch decision {
	case safety.DecisionDeny:
		d.Audit.Record(ctx, models.AuditEntry{
			Capability:     capabilityName,
			Operation:      operation,
			Classification: action.Classification,
			Result:         models.AuditDenied,
			Actor:          actor,
			DurationMs:     d.since(start),
		})
		return nil, &ErrPolicyDenied{Reason: reason}

	case safety.DecisionRequireApproval:
		intentID := ""
		if d.Intents != nil {
			pending := &models.Intent{
				Kind:           models.IntentAction,
				Classification: action.Classification,
				Source:         models.Source{Type: models.SourceOperator, ID: actor},
				Summary:        capabilityName + "." + operation,
				Payload:        payload,
				Affected:       affected,
			}
			if cerr := d.Intents.Create(ctx, pending); cerr == nil {
				intentID = pending.ID
			}
		}
		d.Audit.Record(ctx, models.AuditEntry{
			Capability:     capabilityName,
			Operation:      operation,
			SanitizedArgs:  payload,
			Classification: action.Classification,
			Result:         models.AuditRequiresApproval,
			Actor:          actor,
			DurationMs:     d.since(start),
		})
		return nil, &ErrPendingApproval{IntentID: intentID}

	default: // DecisionAllow
		cb := d.breakerFor(capabilityName)
		result, callErr := cb.Execute(func() (interface{}, error) {
			cctx := ctx
			if _, hasDeadline := ctx.Deadline(); !hasDeadline {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
				defer cancel()
			}
			return call(cctx)
		})

		resultStatus := models.AuditAllowed
		if callErr != nil {
			resultStatus = models.AuditError
		}
		d.Audit.Record(ctx, models.AuditEntry{
			Capability:     capabilityName,
			Operation:      operation,
			SanitizedArgs:  payload,
			Classification: action.Classification,
			Result:         resultStatus,
			Actor:          actor,
			DurationMs:     d.since(start),
		})
		return result, callErr
	}
}

func (d *Dispatcher) since(start time.Time) int64 {
	return d.now().Sub(start).Milliseconds()
}
