package safety

import (
	"context"
	"testing"

	"github.com/lattice-run/lattice/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKnownPairs(t *testing.T) {
	a, err := Classify("sprites", "wake")
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationControlled, a.Classification)

	a, err = Classify("fly", "deploy")
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationDangerous, a.Classification)
}

func TestClassifyUnknownNeverSafe(t *testing.T) {
	_, err := Classify("sprites", "teleport")
	var unknown *ErrUnknownAction
	require.ErrorAs(t, err, &unknown)
}

func TestGateDefaults(t *testing.T) {
	g := NewGate(GateConfig{
		AllowControlled:              true,
		AllowDangerous:               false,
		RequireApprovalForControlled: true,
	})

	d, _ := g.Decide(models.CapabilityAction{Classification: models.ClassificationSafe}, nil, nil)
	assert.Equal(t, DecisionAllow, d)

	d, _ = g.Decide(models.CapabilityAction{Classification: models.ClassificationControlled}, nil, nil)
	assert.Equal(t, DecisionRequireApproval, d)

	d, _ = g.Decide(models.CapabilityAction{Classification: models.ClassificationDangerous}, nil, nil)
	assert.Equal(t, DecisionDeny, d)
}

func TestGatePathAutoApprove(t *testing.T) {
	g := NewGate(GateConfig{
		AllowControlled:              true,
		RequireApprovalForControlled: true,
		Rules: []PolicyRule{
			{Kind: RulePathAutoApprove, PathPrefixes: []string{"docs/"}},
		},
	})

	d, reason := g.Decide(models.CapabilityAction{Classification: models.ClassificationControlled}, []string{"docs/readme.md"}, nil)
	assert.Equal(t, DecisionAllow, d)
	assert.Equal(t, "path_auto_approve", reason)

	d, _ = g.Decide(models.CapabilityAction{Classification: models.ClassificationControlled}, []string{"src/main.go"}, nil)
	assert.Equal(t, DecisionRequireApproval, d)
}

func TestGateRepoOverride(t *testing.T) {
	g := NewGate(GateConfig{
		AllowDangerous: true,
		Rules: []PolicyRule{
			{Kind: RuleRepoOverride, Repos: []string{"org/sandbox"}, AllowRepos: true},
		},
	})

	d, _ := g.Decide(models.CapabilityAction{Classification: models.ClassificationDangerous}, nil, map[string]interface{}{"repo": "org/sandbox"})
	assert.Equal(t, DecisionAllow, d)

	d, _ = g.Decide(models.CapabilityAction{Classification: models.ClassificationDangerous}, nil, map[string]interface{}{"repo": "org/prod"})
	assert.Equal(t, DecisionRequireApproval, d)
}

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	args := map[string]interface{}{
		"token":   "abc123",
		"Path":    "/tmp/x",
		"nested":  map[string]interface{}{"API_KEY": "zzz", "ok": true},
	}
	out := Sanitize(args)
	assert.Equal(t, redacted, out["token"])
	assert.Equal(t, "/tmp/x", out["Path"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, redacted, nested["API_KEY"])
	assert.Equal(t, true, nested["ok"])
}

func TestAuditRecordsEveryOutcome(t *testing.T) {
	audit := NewAudit(nil)
	ctx := context.Background()

	audit.Record(ctx, models.AuditEntry{Capability: "sprites", Operation: "wake", Result: models.AuditAllowed})
	audit.Record(ctx, models.AuditEntry{Capability: "fly", Operation: "deploy", Result: models.AuditDenied})
	audit.Record(ctx, models.AuditEntry{Capability: "sprites", Operation: "wake", Result: models.AuditRequiresApproval, SanitizedArgs: map[string]interface{}{"token": "shh"}})

	assert.Equal(t, 3, audit.Count())
	entries := audit.List(AuditFilter{Capability: "sprites"})
	require.Len(t, entries, 2)
	assert.Equal(t, redacted, entries[0].SanitizedArgs["token"])
}
