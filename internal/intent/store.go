// Package intent implements the durable Intent Store and its Lifecycle
// state-machine enforcement: create, get, update (validated against the
// state machine in statemachine.go), list, and delete. Every state-changing
// update appends exactly one transition-log entry and publishes
// intent_transitioned on the event bus.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/pkg/models"
)

// Changes describes a requested mutation to an intent. A nil State means
// "no state transition, only field updates" (used by e.g. artifact merges
// during a run). Payload/Metadata are shallow-merged into the existing map.
type Changes struct {
	State          *models.IntentState
	Classification *models.Classification
	Actor          string
	Reason         string
	Payload        map[string]interface{}
	Metadata       map[string]interface{}
	Plan           *string
	Rollback       *string
	Affected       []string
	SideEffects    []string
}

// Filters narrows List results. Zero-valued fields are not applied.
type Filters struct {
	Kind           models.IntentKind
	State          models.IntentState
	SourceType     models.SourceType
	Classification models.Classification
	ParentIntentID string
}

// Store is the pluggable Intent Store & Lifecycle enforcer. It is backed by
// a kv.Store (the namespace "intents") and publishes transitions on a
// bus.Bus. Store serializes all mutations to a given intent id through a
// per-id lock so concurrent callers never race past the state machine.
type Store struct {
	kv  kv.Store
	bus *bus.Bus

	mu       sync.Mutex
	idLocks  map[string]*sync.Mutex
	nowFn    func() time.Time
}

// New creates an Intent Store over kvStore, publishing transitions on b.
func New(kvStore kv.Store, b *bus.Bus) *Store {
	return &Store{
		kv:      kvStore,
		bus:     b,
		idLocks: make(map[string]*sync.Mutex),
		nowFn:   time.Now,
	}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.idLocks[id] = l
	}
	return l
}

// Create inserts a new intent. Fails with ErrAlreadyExists on id collision
// and rejects intents created directly in a terminal state.
func (s *Store) Create(ctx context.Context, in *models.Intent) error {
	if in.ID == "" {
		in.ID = NewID()
	}
	if in.State == "" {
		in.State = models.IntentProposed
	}
	if IsTerminal(in.State) {
		return fmt.Errorf("create: intent cannot be created in terminal state %q", in.State)
	}

	lock := s.lockFor(in.ID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.kv.Get(ctx, kv.NamespaceIntents, in.ID); err == nil {
		return &ErrAlreadyExists{ID: in.ID}
	}

	now := s.nowFn().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	if in.TransitionLog == nil {
		in.TransitionLog = []models.Transition{}
	}

	if err := s.put(ctx, in); err != nil {
		return err
	}
	s.publish(in)
	return nil
}

// Get returns the intent by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*models.Intent, error) {
	v, err := s.kv.Get(ctx, kv.NamespaceIntents, id)
	if err != nil {
		return nil, &ErrNotFound{ID: id}
	}
	return decode(v)
}

// Update validates and applies changes to the intent at id, atomically, and
// appends exactly one transition-log entry when State changes.
func (s *Store) Update(ctx context.Context, id string, changes Changes) (*models.Intent, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	in, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if changes.State != nil && *changes.State != in.State {
		if in.Terminal() {
			return nil, &ErrTerminal{ID: id, State: string(in.State)}
		}
		if !CanTransition(in.State, *changes.State) {
			return nil, &ErrInvalidTransition{From: string(in.State), To: string(*changes.State)}
		}
	}

	now := s.nowFn().UTC()

	if changes.Classification != nil {
		in.Classification = *changes.Classification
	}
	if changes.Plan != nil {
		in.Plan = *changes.Plan
	}
	if changes.Rollback != nil {
		in.Rollback = *changes.Rollback
	}
	if changes.Affected != nil {
		in.Affected = changes.Affected
	}
	if changes.SideEffects != nil {
		in.SideEffects = changes.SideEffects
	}
	if changes.Payload != nil {
		if in.Payload == nil {
			in.Payload = map[string]interface{}{}
		}
		for k, v := range changes.Payload {
			in.Payload[k] = v
		}
	}
	if changes.Metadata != nil {
		if in.Metadata == nil {
			in.Metadata = map[string]interface{}{}
		}
		for k, v := range changes.Metadata {
			in.Metadata[k] = v
		}
	}

	if changes.State != nil && *changes.State != in.State {
		from := in.State
		to := *changes.State
		in.State = to
		in.TransitionLog = append(in.TransitionLog, models.Transition{
			From:      from,
			To:        to,
			Timestamp: now,
			Actor:     changes.Actor,
			Reason:    changes.Reason,
		})
		stampPhase(in, to, now)
	}

	in.UpdatedAt = now

	if err := s.put(ctx, in); err != nil {
		return nil, err
	}
	s.publish(in)
	return in, nil
}

// List returns intents matching every non-zero field of f.
func (s *Store) List(ctx context.Context, f Filters) ([]*models.Intent, error) {
	raw, err := s.kv.List(ctx, kv.NamespaceIntents)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Intent, 0, len(raw))
	for _, v := range raw {
		in, err := decode(v)
		if err != nil {
			continue
		}
		if matches(in, f) {
			out = append(out, in)
		}
	}
	return out, nil
}

// Delete removes an intent outright. Production code should not call this;
// it exists for test fixtures.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, kv.NamespaceIntents, id)
}

func matches(in *models.Intent, f Filters) bool {
	if f.Kind != "" && in.Kind != f.Kind {
		return false
	}
	if f.State != "" && in.State != f.State {
		return false
	}
	if f.SourceType != "" && in.Source.Type != f.SourceType {
		return false
	}
	if f.Classification != "" && in.Classification != f.Classification {
		return false
	}
	if f.ParentIntentID != "" && in.ParentIntentID != f.ParentIntentID {
		return false
	}
	return true
}

func stampPhase(in *models.Intent, to models.IntentState, now time.Time) {
	switch to {
	case models.IntentClassified:
		in.Phases.ClassifiedAt = now
	case models.IntentApproved:
		in.Phases.ApprovedAt = now
	case models.IntentRunning:
		if in.Phases.StartedAt.IsZero() {
			in.Phases.StartedAt = now
		}
	case models.IntentCompleted, models.IntentFailed, models.IntentRejected, models.IntentCanceled:
		in.Phases.CompletedAt = now
	case models.IntentBlocked:
		in.Phases.BlockedAt = now
	case models.IntentWaitingForInput:
		// no dedicated phase timestamp field beyond the transition log
	}
	if to == models.IntentRunning {
		// resuming from blocked/waiting_for_input
		last := in.TransitionLog[len(in.TransitionLog)-1]
		if last.From == models.IntentWaitingForInput || !in.Phases.BlockedAt.IsZero() {
			in.Phases.ResumedAt = now
		}
	}
}

func (s *Store) put(ctx context.Context, in *models.Intent) error {
	return s.kv.Put(ctx, kv.NamespaceIntents, in.ID, in)
}

func (s *Store) publish(in *models.Intent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicIntentsAll, in)
	s.bus.Publish(bus.IntentTopic(in.ID), in)
}

// decode normalizes whatever the kv.Store handed back into *models.Intent.
// The in-memory kv store returns the exact pointer that was Put, so the
// common case is a direct type assertion; the SQL-backed kv store returns
// a deserialized interface{} from JSON, so we fall back to a re-marshal.
func decode(v interface{}) (*models.Intent, error) {
	if in, ok := v.(*models.Intent); ok {
		return in, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	var in models.Intent
	if err := json.Unmarshal(buf, &in); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	return &in, nil
}
