// Package pipeline wires the Intent Store together with the Safety
// Classifier and Gate to implement the propose → classify → gate →
// approved/rejected/awaiting_approval flow.
package pipeline

import (
	"context"

	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/pkg/models"
)

// Action describes the capability action an intent proposes to take, when
// one is known at proposal time. Intents whose kind carries a default
// classification (see kindDefaultClassification) skip the capability
// classifier entirely, so Action may be zero for those.
type Action struct {
	Capability string
	Operation  string
}

// kindDefaultClassification gives some intent kinds a fixed classification
// independent of any capability action they carry, per the classify step's
// "if kind has a default_classification, apply it; else run the capability
// classifier" rule. health_remediate defaults to dangerous because it acts
// on the fleet directly (restart/recreate a sprite) rather than merely
// observing it.
var kindDefaultClassification = map[models.IntentKind]models.Classification{
	models.IntentInquiry:         models.ClassificationSafe,
	models.IntentHealthDetect:    models.ClassificationSafe,
	models.IntentDocUpdate:       models.ClassificationControlled,
	models.IntentIssueTriage:     models.ClassificationControlled,
	models.IntentPRCreate:        models.ClassificationControlled,
	models.IntentPRFixup:         models.ClassificationControlled,
	models.IntentMaintenance:     models.ClassificationControlled,
	models.IntentHealthRemediate: models.ClassificationDangerous,
}

// Pipeline runs newly proposed intents through classification and gating.
type Pipeline struct {
	Intents *intent.Store
	Gate    *safety.Gate
	Audit   *safety.Audit
}

// New builds a Pipeline.
func New(intents *intent.Store, gate *safety.Gate, audit *safety.Audit) *Pipeline {
	return &Pipeline{Intents: intents, Gate: gate, Audit: audit}
}

// Propose creates in and immediately drives it through classify → gate. The
// returned intent reflects its state after that drive: classified+approved,
// classified+awaiting_approval, or rejected.
func (p *Pipeline) Propose(ctx context.Context, in *models.Intent, action Action) (*models.Intent, error) {
	if err := p.Intents.Create(ctx, in); err != nil {
		return nil, err
	}
	return p.Advance(ctx, in.ID, action)
}

// Advance classifies and gates an existing proposed intent. If the intent's
// kind has a default classification, that applies and the capability
// classifier never runs. Otherwise unknown capability/operation pairs are
// rejected with policy reason "unknown_action", never silently treated as
// safe.
func (p *Pipeline) Advance(ctx context.Context, intentID string, action Action) (*models.Intent, error) {
	in, err := p.Intents.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}

	var classification models.Classification
	capAction := models.CapabilityAction{Capability: action.Capability, Operation: action.Operation}

	if dc, ok := kindDefaultClassification[in.Kind]; ok {
		classification = dc
	} else if action.Capability != "" {
		a, err := safety.Classify(action.Capability, action.Operation)
		if err != nil {
			if _, cerr := p.Intents.Update(ctx, intentID, intent.Changes{
				State:  statePtr(models.IntentClassified),
				Reason: "unknown_action",
			}); cerr != nil {
				return nil, cerr
			}
			rejected, uerr := p.Intents.Update(ctx, intentID, intent.Changes{
				State:  statePtr(models.IntentRejected),
				Reason: "unknown_action",
			})
			p.recordAudit(ctx, action, models.AuditDenied, "system")
			if uerr != nil {
				return nil, uerr
			}
			return rejected, err
		}
		capAction = a
		classification = a.Classification
	} else {
		classification = models.ClassificationSafe
	}
	capAction.Classification = classification

	classified, err := p.Intents.Update(ctx, intentID, intent.Changes{
		State:          statePtr(models.IntentClassified),
		Classification: classPtr(classification),
		Reason:         "classified",
	})
	if err != nil {
		return nil, err
	}

	decision, reason := p.Gate.Decide(capAction, classified.Affected, classified.Payload)
	p.recordAuditForDecision(ctx, action, classification, decision)

	switch decision {
	case safety.DecisionAllow:
		return p.Intents.Update(ctx, intentID, intent.Changes{State: statePtr(models.IntentApproved), Reason: reason})
	case safety.DecisionRequireApproval:
		return p.Intents.Update(ctx, intentID, intent.Changes{State: statePtr(models.IntentAwaitingApproval), Reason: reason})
	default: // deny
		return p.Intents.Update(ctx, intentID, intent.Changes{State: statePtr(models.IntentRejected), Reason: "policy_denied: " + reason})
	}
}

// Approve manually approves an intent sitting in awaiting_approval, e.g. in
// response to an operator action.
func (p *Pipeline) Approve(ctx context.Context, intentID, actor string) (*models.Intent, error) {
	return p.Intents.Update(ctx, intentID, intent.Changes{State: statePtr(models.IntentApproved), Actor: actor, Reason: "operator_approved"})
}

// Reject manually rejects an intent sitting in awaiting_approval.
func (p *Pipeline) Reject(ctx context.Context, intentID, actor, reason string) (*models.Intent, error) {
	return p.Intents.Update(ctx, intentID, intent.Changes{State: statePtr(models.IntentRejected), Actor: actor, Reason: reason})
}

func (p *Pipeline) recordAuditForDecision(ctx context.Context, action Action, classification models.Classification, decision safety.Decision) {
	result := models.AuditAllowed
	switch decision {
	case safety.DecisionDeny:
		result = models.AuditDenied
	case safety.DecisionRequireApproval:
		result = models.AuditRequiresApproval
	}
	p.Audit.Record(ctx, models.AuditEntry{
		Capability:     action.Capability,
		Operation:      action.Operation,
		Classification: classification,
		Result:         result,
		Actor:          "pipeline",
	})
}

func (p *Pipeline) recordAudit(ctx context.Context, action Action, result models.AuditResult, actor string) {
	p.Audit.Record(ctx, models.AuditEntry{
		Capability: action.Capability,
		Operation:  action.Operation,
		Result:     result,
		Actor:      actor,
	})
}

func statePtr(s models.IntentState) *models.IntentState { return &s }
func classPtr(c models.Classification) *models.Classification { return &c }
