// Package kv implements Lattice's durable key-value store: a side-effect-free
// collaborator for Intent Store and others. It knows nothing about domain
// semantics — exactly four operations, namespaced.
package kv

import (
	"context"
	"errors"
)

// Known namespaces. Namespaces are known up front; callers are not expected
// to invent new ones at runtime.
const (
	NamespaceIntents         = "intents"
	NamespaceRuns            = "runs"
	NamespaceProjects        = "projects"
	NamespaceRepoProfiles    = "repo_profiles"
	NamespacePlanningContext = "planning_contexts"
	NamespacePRTracker       = "pr_tracker"
	NamespaceDILHistory      = "dil_history"
)

// ErrNotFound is returned by Get when the key does not exist in namespace.
var ErrNotFound = errors.New("kv: key not found")

// Store is the durable KV interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Put inserts or overwrites value at (namespace, key).
	Put(ctx context.Context, namespace, key string, value interface{}) error

	// Get returns the value stored at (namespace, key), or ErrNotFound.
	Get(ctx context.Context, namespace, key string) (interface{}, error)

	// List returns every value currently stored in namespace. Order is
	// unspecified.
	List(ctx context.Context, namespace string) ([]interface{}, error)

	// Delete removes (namespace, key) if present. Deleting a missing key is
	// not an error.
	Delete(ctx context.Context, namespace, key string) error
}
