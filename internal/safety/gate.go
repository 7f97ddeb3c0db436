package safety

import (
	"strings"
	"time"

	"github.com/lattice-run/lattice/pkg/models"
)

// Decision is the Gate's verdict for a classified action.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// PolicyRuleKind names one of the built-in policy rule evaluators.
type PolicyRuleKind string

const (
	RulePathAutoApprove PolicyRuleKind = "path_auto_approve"
	RuleTimeGate        PolicyRuleKind = "time_gate"
	RuleRepoOverride    PolicyRuleKind = "repo_override"
)

// PolicyRule is one entry in the Gate's ordered rule list. Rules are
// evaluated in order; the first match wins.
type PolicyRule struct {
	Kind PolicyRuleKind

	// PathAutoApprove: every affected resource must be a file under one of
	// these path prefixes for the rule to match and allow.
	PathPrefixes []string

	// TimeGate: outside [StartHour, EndHour) local time, controlled/dangerous
	// actions are denied by this rule.
	StartHour, EndHour int

	// RepoOverride: if the action's payload "repo" is in Repos, the rule
	// matches and resolves to Allow (if AllowRepos) or Deny.
	Repos      []string
	AllowRepos bool
}

// GateConfig holds the Gate's static configuration.
type GateConfig struct {
	AllowControlled              bool
	AllowDangerous               bool
	RequireApprovalForControlled bool
	Rules                        []PolicyRule
}

// Gate decides allow/deny/require_approval for a classified action.
type Gate struct {
	cfg GateConfig
	now func() time.Time
}

// NewGate builds a Gate from cfg.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg, now: time.Now}
}

// Decide evaluates action against the gate's policy rules and defaults, given
// the intent's affected resources and payload (used by path_auto_approve and
// repo_override).
func (g *Gate) Decide(action models.CapabilityAction, affected []string, payload map[string]interface{}) (Decision, string) {
	for _, rule := range g.cfg.Rules {
		if d, reason, matched := g.evalRule(rule, action, affected, payload); matched {
			return d, reason
		}
	}

	switch action.Classification {
	case models.ClassificationSafe:
		return DecisionAllow, "safe"
	case models.ClassificationControlled:
		if !g.cfg.AllowControlled {
			return DecisionDeny, "controlled actions disabled"
		}
		if g.cfg.RequireApprovalForControlled {
			return DecisionRequireApproval, "controlled action requires approval"
		}
		return DecisionAllow, "controlled action auto-allowed"
	case models.ClassificationDangerous:
		if !g.cfg.AllowDangerous {
			return DecisionDeny, "dangerous actions disabled"
		}
		return DecisionRequireApproval, "dangerous action requires approval"
	default:
		return DecisionDeny, "unknown classification"
	}
}

func (g *Gate) evalRule(rule PolicyRule, action models.CapabilityAction, affected []string, payload map[string]interface{}) (Decision, string, bool) {
	switch rule.Kind {
	case RulePathAutoApprove:
		if len(affected) == 0 {
			return "", "", false
		}
		for _, res := range affected {
			if !underAnyPrefix(res, rule.PathPrefixes) {
				return "", "", false
			}
		}
		return DecisionAllow, "path_auto_approve", true

	case RuleTimeGate:
		if action.Classification == models.ClassificationSafe {
			return "", "", false
		}
		hour := g.now().Hour()
		if inWindow(hour, rule.StartHour, rule.EndHour) {
			return "", "", false
		}
		return DecisionDeny, "time_gate: outside allowed hours", true

	case RuleRepoOverride:
		repo, _ := payload["repo"].(string)
		if repo == "" {
			return "", "", false
		}
		for _, r := range rule.Repos {
			if r == repo {
				if rule.AllowRepos {
					return DecisionAllow, "repo_override: allowed repo", true
				}
				return DecisionDeny, "repo_override: denied repo", true
			}
		}
		return "", "", false
	}
	return "", "", false
}

func underAnyPrefix(resource string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(resource, p) {
			return true
		}
	}
	return false
}

func inWindow(hour, start, end int) bool {
	if start == end {
		return true // degenerate window: always open
	}
	if start < end {
		return hour >= start && hour < end
	}
	// window wraps midnight, e.g. 22 -> 6
	return hour >= start || hour < end
}
