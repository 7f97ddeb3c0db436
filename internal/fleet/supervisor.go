// Package fleet implements the Fleet Supervisor and Sprite Worker: a
// goroutine-per-sprite actor model where the supervisor owns a registry of
// workers and restarts them one-for-one on unexpected failure.
package fleet

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/protocol"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/rs/zerolog/log"
)

// entry tracks one worker's goroutine lifecycle.
type entry struct {
	worker       *Worker
	cancel       context.CancelFunc
	restartCount int
}

// Supervisor owns the fleet's worker registry: one goroutine per sprite,
// restarted with exponential backoff if its goroutine exits or panics
// unexpectedly, at most 5 times over the worker's lifetime (the restart
// count is not reset over time).
type Supervisor struct {
	mu       sync.RWMutex
	workers  map[string]*entry
	sprites  capability.Sprites
	dispatch *capability.Dispatcher
	bus      Publisher
	cfg      Config
	runs     *protocol.RunStore
	intents  *intent.Store
}

// NewSupervisor builds a Supervisor with no workers registered. intents may
// be nil in tests that never drive a run to completion; every worker shares
// one RunStore so a run started on one cycle is still visible on the next.
func NewSupervisor(sprites capability.Sprites, dispatch *capability.Dispatcher, b Publisher, cfg Config, intents *intent.Store) *Supervisor {
	return &Supervisor{
		workers:  make(map[string]*entry),
		sprites:  sprites,
		dispatch: dispatch,
		bus:      b,
		cfg:      cfg,
		runs:     protocol.NewRunStore(),
		intents:  intents,
	}
}

// Register starts a worker for id if one is not already running.
func (s *Supervisor) Register(parent context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workers[id]; exists {
		return
	}
	s.startLocked(parent, id, 0)
}

func (s *Supervisor) startLocked(parent context.Context, id string, restartCount int) {
	ctx, cancel := context.WithCancel(parent)
	w := NewWorker(id, s.sprites, s.dispatch, s.bus, s.cfg, s.runs, s.intents)
	e := &entry{worker: w, cancel: cancel, restartCount: restartCount}
	s.workers[id] = e

	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("sprite", id).Interface("panic", r).Msg("fleet worker panicked")
			}
			if ctx.Err() != nil {
				return // deliberate stop, not a crash
			}
			s.onWorkerExit(parent, id, restartCount, e)
		}()
		w.Run(ctx)
	}()
}

// onWorkerExit restarts a worker that exited without being asked to, after
// an exponential backoff of 2^n seconds (at most 60s). A worker is restarted
// at most 5 times over its lifetime; the count is not reset as time passes,
// and once it is spent the worker is removed from the registry.
func (s *Supervisor) onWorkerExit(parent context.Context, id string, restartCount int, crashed *entry) {
	if restartCount >= 5 {
		log.Error().Str("sprite", id).Msg("fleet worker exceeded restart budget, leaving stopped")
		s.mu.Lock()
		delete(s.workers, id)
		s.mu.Unlock()
		return
	}
	backoff := time.Duration(math.Min(60, math.Pow(2, float64(restartCount)))) * time.Second
	log.Warn().Str("sprite", id).Dur("backoff", backoff).Msg("fleet worker exited unexpectedly, restarting")
	time.Sleep(backoff)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workers[id] != crashed {
		return // already restarted or deregistered concurrently
	}
	s.startLocked(parent, id, restartCount+1)
}

// Deregister stops and removes a worker.
func (s *Supervisor) Deregister(id string) {
	s.mu.Lock()
	e, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
	}
	s.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Wake sets the desired state of every sprite in ids to ready, in one batch.
// Each id's outcome is independent: one unregistered id does not fail the
// rest. The supervisor publishes a fresh fleet_summary after applying the
// whole batch.
func (s *Supervisor) Wake(ids []string) map[string]error {
	return s.setDesiredBatch(ids, models.SpriteReady)
}

// Sleep is Wake's mirror, setting desired state to hibernating.
func (s *Supervisor) Sleep(ids []string) map[string]error {
	return s.setDesiredBatch(ids, models.SpriteHibernating)
}

func (s *Supervisor) setDesiredBatch(ids []string, desired models.SpriteState) map[string]error {
	results := make(map[string]error, len(ids))
	for _, id := range ids {
		e, err := s.lookup(id)
		if err != nil {
			results[id] = err
			continue
		}
		e.worker.SetDesired(desired)
		results[id] = nil
	}
	s.publishSummary()
	return results
}

// publishSummary computes a fresh fleet summary from List() and publishes it
// on bus.TopicFleet. Called after every fleet-mutating operation.
func (s *Supervisor) publishSummary() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicFleet, s.Summary())
}

// FleetSummary is the fleet-wide rollup published on bus.TopicFleet after
// every mutating supervisor call.
type FleetSummary struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// Summary computes the current fleet-wide rollup without publishing it.
func (s *Supervisor) Summary() FleetSummary {
	snaps := s.List()
	summary := FleetSummary{Total: len(snaps), ByState: make(map[string]int)}
	for _, snap := range snaps {
		summary.ByState[string(snap.Observed)]++
	}
	return summary
}

// SetViewersPresent broadcasts the viewers-present signal to every worker,
// switching their reconciliation cadence between fast_ms and slow_ms.
func (s *Supervisor) SetViewersPresent(present bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.workers {
		e.worker.SetViewersPresent(present)
	}
}

// List returns a snapshot of every registered sprite.
func (s *Supervisor) List() []models.SpriteSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SpriteSnapshot, 0, len(s.workers))
	for _, e := range s.workers {
		out = append(out, e.worker.Snapshot())
	}
	return out
}

// Get returns one sprite's snapshot.
func (s *Supervisor) Get(id string) (models.SpriteSnapshot, error) {
	e, err := s.lookup(id)
	if err != nil {
		return models.SpriteSnapshot{}, err
	}
	return e.worker.Snapshot(), nil
}

// ExecuteRun starts run on sprite id's worker, streaming its exec_ws
// session through the Protocol Parser until it completes or errors.
func (s *Supervisor) ExecuteRun(ctx context.Context, id string, run models.Run) (capability.ExecResult, error) {
	e, err := s.lookup(id)
	if err != nil {
		return capability.ExecResult{}, err
	}
	return e.worker.ExecuteRun(ctx, run)
}

// ResumeRun resumes a paused run on sprite id's worker from a checkpoint.
func (s *Supervisor) ResumeRun(ctx context.Context, id string, run models.Run, payload protocol.ResumePayload) (capability.ExecResult, error) {
	e, err := s.lookup(id)
	if err != nil {
		return capability.ExecResult{}, err
	}
	return e.worker.ResumeRun(ctx, run, payload)
}

// GetRun returns the current state of a run started via ExecuteRun/ResumeRun.
func (s *Supervisor) GetRun(runID string) (models.Run, bool) {
	return s.runs.Get(runID)
}

func (s *Supervisor) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("sprite %s not registered", id)
	}
	return e, nil
}

// RunAudit broadcasts reconcile_now to the whole fleet and waits up to
// timeout for every worker's snapshot to be refreshed by a completed
// reconcile cycle, returning a partial summary if timeout elapses first.
func (s *Supervisor) RunAudit(ctx context.Context, timeout time.Duration) AuditSummary {
	start := time.Now()
	s.mu.RLock()
	ids := make([]string, 0, len(s.workers))
	baseline := make(map[string]time.Time, len(s.workers))
	for id, e := range s.workers {
		ids = append(ids, id)
		baseline[id] = e.worker.Snapshot().UpdatedAt
		e.worker.ReconcileNow()
	}
	s.mu.RUnlock()

	deadline := start.Add(timeout)
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}
	timedOut := false
	for len(pending) > 0 && time.Now().Before(deadline) {
		for id := range pending {
			if snap, err := s.Get(id); err == nil && snap.UpdatedAt.After(baseline[id]) {
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			timedOut = true
		case <-time.After(20 * time.Millisecond):
			continue
		}
		break
	}
	if len(pending) > 0 {
		timedOut = true
	}

	summary := AuditSummary{Total: len(ids), TimedOut: timedOut}
	for _, id := range ids {
		snap, err := s.Get(id)
		if err != nil {
			continue
		}
		switch snap.Health {
		case models.HealthOK:
			summary.Healthy++
		case models.HealthDegraded:
			summary.Degraded++
		case models.HealthError:
			summary.Errored++
		default:
			summary.Converging++
		}
	}
	s.publishSummary()
	return summary
}

// AuditSummary is the result of a fleet-wide reconcile broadcast.
type AuditSummary struct {
	Total      int
	Healthy    int
	Converging int
	Degraded   int
	Errored    int
	TimedOut   bool
}
