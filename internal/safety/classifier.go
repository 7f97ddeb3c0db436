// Package safety implements the classifier, gate, and audit trail that
// every capability call passes through before (and after) it reaches an
// implementation.
package safety

import "github.com/lattice-run/lattice/pkg/models"

// key identifies one (capability, operation) pair in the classification
// registry.
type key struct {
	Capability string
	Operation  string
}

// registry is the static classifier: a pure lookup table. Unknown pairs are
// never auto-upgraded to safe — Classify returns ErrUnknownAction instead.
var registry = map[key]models.Classification{
	{"sprites", "list"}:          models.ClassificationSafe,
	{"sprites", "get"}:           models.ClassificationSafe,
	{"sprites", "fetch_logs"}:    models.ClassificationSafe,
	{"sprites", "wake"}:          models.ClassificationControlled,
	{"sprites", "sleep"}:         models.ClassificationControlled,
	{"sprites", "exec"}:          models.ClassificationControlled,
	{"sprites", "exec_ws"}:       models.ClassificationControlled,
	{"sprites", "create"}:        models.ClassificationDangerous,
	{"sprites", "delete"}:        models.ClassificationDangerous,

	{"github", "list_issues"}:        models.ClassificationSafe,
	{"github", "get_issue"}:          models.ClassificationSafe,
	{"github", "list_prs"}:           models.ClassificationSafe,
	{"github", "list_reviews"}:       models.ClassificationSafe,
	{"github", "list_review_comments"}: models.ClassificationSafe,
	{"github", "create_comment"}:     models.ClassificationControlled,
	{"github", "add_label"}:          models.ClassificationControlled,
	{"github", "remove_label"}:       models.ClassificationControlled,
	{"github", "create_pr"}:          models.ClassificationControlled,
	{"github", "create_branch"}:      models.ClassificationControlled,
	{"github", "merge_pr"}:           models.ClassificationDangerous,
	{"github", "delete_branch"}:      models.ClassificationDangerous,

	{"fly", "status"}:  models.ClassificationSafe,
	{"fly", "restart"}: models.ClassificationDangerous,
	{"fly", "deploy"}:  models.ClassificationDangerous,
	{"fly", "scale"}:   models.ClassificationDangerous,

	{"secrets", "get"}:    models.ClassificationControlled,
	{"secrets", "put"}:    models.ClassificationDangerous,
	{"secrets", "delete"}: models.ClassificationDangerous,
}

// ErrUnknownAction is returned by Classify for an unregistered pair.
type ErrUnknownAction struct {
	Capability, Operation string
}

func (e *ErrUnknownAction) Error() string {
	return "unknown_action: " + e.Capability + "." + e.Operation
}

// Classify returns the CapabilityAction descriptor for (capability,
// operation). An unregistered pair yields ErrUnknownAction and never a
// "safe" classification.
func Classify(capability, operation string) (models.CapabilityAction, error) {
	c, ok := registry[key{capability, operation}]
	if !ok {
		return models.CapabilityAction{}, &ErrUnknownAction{Capability: capability, Operation: operation}
	}
	return models.CapabilityAction{Capability: capability, Operation: operation, Classification: c}, nil
}
