package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lattice-run/lattice/pkg/models"
)

// NewRunID returns an opaque, collision-resistant run id.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

// IntentOutcome reports whether applying an event finalized the run's
// parent intent, and how.
type IntentOutcome string

const (
	IntentOutcomeNone      IntentOutcome = ""
	IntentOutcomeCompleted IntentOutcome = "completed"
	IntentOutcomeFailed    IntentOutcome = "failed"
)

// Effect is what applying one event changed beyond the run's own fields: an
// outcome for the parent intent's state machine, or a proposal to enqueue
// as a new maintenance intent.
type Effect struct {
	IntentOutcome      IntentOutcome
	EnqueueMaintenance *models.ProtocolEvent
}

// RunStore tracks Run state in memory, mutated one event at a time. It
// knows nothing about intents, sprites, or dispatch — callers translate an
// Effect into whatever cross-cutting action it implies.
type RunStore struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

// NewRunStore builds an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]*models.Run)}
}

// Start registers a new run, defaulting Status to pending and StartedAt to
// now if unset, and returns the stored copy.
func (r *RunStore) Start(run models.Run) models.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.Status == "" {
		run.Status = models.RunPending
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	cp := run
	r.runs[run.ID] = &cp
	return cp
}

// Get returns a snapshot of the run, or false if it isn't known.
func (r *RunStore) Get(id string) (models.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return models.Run{}, false
	}
	return *run, true
}

// ForIntent returns the most recently started run for intentID, if any.
// A resumed run reuses its run id, so this is a linear scan over a
// small, process-local map rather than a secondary index.
func (r *RunStore) ForIntent(intentID string) (models.Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Run
	for _, run := range r.runs {
		if run.IntentID != intentID {
			continue
		}
		if best == nil || run.StartedAt.After(best.StartedAt) {
			best = run
		}
	}
	if best == nil {
		return models.Run{}, false
	}
	return *best, true
}

// Apply mutates the run at runID according to event and returns the
// updated run alongside any cross-cutting Effect. It is safe to call from
// any goroutine.
func (r *RunStore) Apply(runID string, event models.ProtocolEvent) (models.Run, Effect, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return models.Run{}, Effect{}, fmt.Errorf("protocol: run %s not registered", runID)
	}
	eff := applyEvent(run, event)
	return *run, eff, nil
}

// applyEvent is the per-event-type state transition: INFO appends to the
// run's log, PHASE_STARTED/PHASE_FINISHED track the current phase,
// ACTION_REQUEST records a pending action for the dispatcher, ARTIFACT
// merges into the run's artifacts map, WAITING pauses the run at a
// checkpoint, COMPLETED/ERROR finalize it and report the intent outcome,
// and ENVIRONMENT_PROPOSAL is handed back to the caller to enqueue as a
// maintenance intent.
func applyEvent(run *models.Run, event models.ProtocolEvent) Effect {
	switch event.EventType {
	case models.EventInfo:
		if msg, ok := event.Payload["message"].(string); ok {
			run.Log = append(run.Log, msg)
		}
		if run.Status == models.RunPending {
			run.Status = models.RunRunning
		}

	case models.EventPhaseStarted:
		if phase, ok := event.Payload["phase"].(string); ok {
			run.Phase = phase
		}
		run.Status = models.RunRunning

	case models.EventPhaseFinished:
		if phase, ok := event.Payload["phase"].(string); ok && phase == run.Phase {
			run.Phase = ""
		}

	case models.EventActionRequest:
		action, _ := event.Payload["action"].(string)
		blocking, _ := event.Payload["blocking"].(bool)
		run.Log = append(run.Log, fmt.Sprintf("action_requested:%s blocking=%v", action, blocking))
		if run.Artifacts == nil {
			run.Artifacts = map[string]interface{}{}
		}
		run.Artifacts["pending_action"] = event.Payload

	case models.EventArtifact:
		kind, _ := event.Payload["kind"].(string)
		if kind == "" {
			break
		}
		if run.Artifacts == nil {
			run.Artifacts = map[string]interface{}{}
		}
		run.Artifacts[kind] = event.Payload

	case models.EventWaiting:
		run.Status = models.RunWaiting
		if cp, ok := event.Payload["checkpoint_id"].(string); ok {
			run.CheckpointID = cp
		}

	case models.EventCompleted:
		run.FinishedAt = event.Timestamp
		status, _ := event.Payload["status"].(string)
		if status == "success" {
			run.Status = models.RunSucceeded
			return Effect{IntentOutcome: IntentOutcomeCompleted}
		}
		run.Status = models.RunFailed
		if summary, ok := event.Payload["summary"].(string); ok {
			run.Error = summary
		}
		return Effect{IntentOutcome: IntentOutcomeFailed}

	case models.EventError:
		run.Status = models.RunFailed
		run.FinishedAt = event.Timestamp
		if msg, ok := event.Payload["message"].(string); ok {
			run.Error = msg
		}
		return Effect{IntentOutcome: IntentOutcomeFailed}

	case models.EventEnvironmentProposal:
		ev := event
		return Effect{EnqueueMaintenance: &ev}
	}
	return Effect{}
}
