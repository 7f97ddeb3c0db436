package fleet

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/protocol"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/rs/zerolog/log"
)

// command is a message sent to a worker's inbox. Messages are processed in
// arrival order, one at a time, so a given sprite never runs two
// reconciliation cycles concurrently.
type command struct {
	kind    string // "reconcile_now" | "set_desired" | "viewers" | "ingest_event" | "stop"
	desired models.SpriteState
	present bool
	event   ingestedEvent
	done    chan struct{}
}

// ingestedEvent carries one protocol event into the worker's message loop,
// alongside the run it belongs to.
type ingestedEvent struct {
	runID string
	event models.ProtocolEvent
}

// Publisher is the subset of *bus.Bus the fleet package depends on.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Worker owns one sprite's convergence loop: fetch observed state, compare
// to desired, dispatch wake/sleep through the Dispatcher, and back off on
// repeated failure.
type Worker struct {
	id       string
	sprites  capability.Sprites
	dispatch *capability.Dispatcher
	bus      Publisher
	cfg      Config
	runs     *protocol.RunStore
	intents  *intent.Store

	inbox chan command

	desired      models.SpriteState
	observed     models.SpriteState
	health       models.Health
	failureCount int
	backoffUntil time.Time
	inflight     bool
	viewers      bool

	snapshotMu sync.RWMutex
	snapshot   models.SpriteSnapshot
}

// Snapshot returns a point-in-time, concurrency-safe read of the worker's
// state for the Fleet Supervisor's list/summary operations. It never blocks
// on the worker's message loop.
func (w *Worker) Snapshot() models.SpriteSnapshot {
	w.snapshotMu.RLock()
	defer w.snapshotMu.RUnlock()
	return w.snapshot
}

func (w *Worker) updateSnapshot() {
	w.snapshotMu.Lock()
	w.snapshot = models.SpriteSnapshot{
		ID:           w.id,
		Desired:      w.desired,
		Observed:     w.observed,
		Health:       w.health,
		FailureCount: w.failureCount,
		BackoffUntil: w.backoffUntil,
		UpdatedAt:    time.Now().UTC(),
	}
	w.snapshotMu.Unlock()
}

// Config carries the Fleet Supervisor's reconciliation tuning, mirroring
// internal/config.ReconcileConfig.
type Config struct {
	FastMS            int
	SlowMS            int
	BackoffBaseMS     int
	BackoffCapMS      int
	DegradedThreshold int
	MaxRetries        int
	CallTimeoutMS     int
}

// ReconciliationResult is published on the sprite's topic after every cycle.
type ReconciliationResult struct {
	SpriteID   string    `json:"sprite_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	DurationMs int64     `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewWorker builds a Worker for sprite id with an initially unknown observed
// state and hibernating desired state. runs and intents may be nil in tests
// that never exercise ExecuteRun/IngestEvent.
func NewWorker(id string, sprites capability.Sprites, dispatch *capability.Dispatcher, b Publisher, cfg Config, runs *protocol.RunStore, intents *intent.Store) *Worker {
	return &Worker{
		id:       id,
		sprites:  sprites,
		dispatch: dispatch,
		bus:      b,
		cfg:      cfg,
		runs:     runs,
		intents:  intents,
		inbox:    make(chan command, 16),
		desired:  models.SpriteHibernating,
		health:   models.HealthConverging,
	}
}

// Run drives the worker's message loop until ctx is canceled. It is meant
// to be run in its own goroutine by the Fleet Supervisor.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(w.jittered(w.cfg.SlowMS))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-w.inbox:
			switch cmd.kind {
			case "set_desired":
				w.desired = cmd.desired
			case "viewers":
				w.viewers = cmd.present
			case "ingest_event":
				w.ingestEvent(ctx, cmd.event.runID, cmd.event.event)
				continue // a protocol event is not a reconciliation trigger
			case "stop":
				if cmd.done != nil {
					close(cmd.done)
				}
				return
			}
			w.reconcile(ctx)
			resetTimer(timer, w.nextInterval())

		case <-timer.C:
			w.reconcile(ctx)
			resetTimer(timer, w.nextInterval())
		}
	}
}

// ReconcileNow requests an out-of-band cycle; it does not block on the
// cycle's completion.
func (w *Worker) ReconcileNow() {
	select {
	case w.inbox <- command{kind: "reconcile_now"}:
	default:
		log.Warn().Str("sprite", w.id).Msg("worker inbox full, dropping reconcile_now")
	}
}

// SetDesired changes this sprite's desired state.
func (w *Worker) SetDesired(state models.SpriteState) {
	w.inbox <- command{kind: "set_desired", desired: state}
}

// SetViewersPresent toggles the fast/slow cadence.
func (w *Worker) SetViewersPresent(present bool) {
	select {
	case w.inbox <- command{kind: "viewers", present: present}:
	default:
	}
}

// Stop asks the worker to exit after finishing any in-flight cycle.
func (w *Worker) Stop() {
	done := make(chan struct{})
	w.inbox <- command{kind: "stop", done: done}
	<-done
}

// IngestEvent hands one protocol event to the worker's message loop, where
// it is applied to the named run's state and, if it finalizes the run,
// drives the owning intent's state machine. Non-blocking: a full inbox
// drops the event and logs a warning, the same backpressure behavior as
// ReconcileNow.
func (w *Worker) IngestEvent(runID string, event models.ProtocolEvent) {
	select {
	case w.inbox <- command{kind: "ingest_event", event: ingestedEvent{runID: runID, event: event}}:
	default:
		log.Warn().Str("sprite", w.id).Str("run", runID).Msg("worker inbox full, dropping protocol event")
	}
}

func (w *Worker) ingestEvent(ctx context.Context, runID string, event models.ProtocolEvent) {
	if w.runs == nil {
		return
	}
	run, eff, err := w.runs.Apply(runID, event)
	if err != nil {
		log.Warn().Err(err).Str("sprite", w.id).Str("run", runID).Msg("ingest_event: unknown run")
		return
	}
	if w.bus != nil {
		w.bus.Publish(bus.SpriteTopic(w.id), run)
	}

	switch eff.IntentOutcome {
	case protocol.IntentOutcomeCompleted:
		w.finishIntent(ctx, run.IntentID, models.IntentCompleted, "run_succeeded")
	case protocol.IntentOutcomeFailed:
		w.finishIntent(ctx, run.IntentID, models.IntentFailed, "run_failed")
	}
	if event.EventType == models.EventWaiting {
		w.finishIntent(ctx, run.IntentID, models.IntentWaitingForInput, "run_waiting")
	}

	if eff.EnqueueMaintenance != nil && w.intents != nil {
		w.enqueueMaintenanceIntent(ctx, run, *eff.EnqueueMaintenance)
	}
}

func (w *Worker) finishIntent(ctx context.Context, intentID string, to models.IntentState, reason string) {
	if w.intents == nil || intentID == "" {
		return
	}
	state := to
	if _, err := w.intents.Update(ctx, intentID, intent.Changes{State: &state, Actor: "fleet:worker", Reason: reason}); err != nil {
		log.Warn().Err(err).Str("intent", intentID).Str("to", string(to)).Msg("ingest_event: intent transition failed")
	}
}

// enqueueMaintenanceIntent proposes a new, unapproved maintenance intent
// from an ENVIRONMENT_PROPOSAL event. It is fire-and-forget: the proposal
// itself (not its eventual approval) is all this worker is responsible for.
func (w *Worker) enqueueMaintenanceIntent(ctx context.Context, run models.Run, event models.ProtocolEvent) {
	in := &models.Intent{
		Kind:    models.IntentMaintenance,
		Source:  models.Source{Type: models.SourceAgent, ID: run.SpriteID},
		Payload: event.Payload,
	}
	if _, err := w.intents.Create(ctx, in); err != nil {
		log.Warn().Err(err).Str("sprite", w.id).Msg("environment_proposal: failed to enqueue maintenance intent")
	}
}

// ExecuteRun opens an exec_ws session for run, attaching the Protocol
// Parser to its streamed output so each line is applied to run state (and,
// on completion, drives the owning intent) as it arrives. Once the session
// ends it reconciles the stream against the sprite's durable outbox and
// ingests any event the live stream missed, e.g. because the session
// dropped mid-run.
func (w *Worker) ExecuteRun(ctx context.Context, run models.Run) (capability.ExecResult, error) {
	if w.runs == nil {
		return capability.ExecResult{}, fmt.Errorf("fleet: worker %s has no run store configured", w.id)
	}
	started := w.runs.Start(run)

	var streamed []models.ProtocolEvent
	onLine := func(line string) {
		event, ok, err := protocol.ParseLine(line)
		if err != nil {
			log.Warn().Err(err).Str("sprite", w.id).Str("run", started.ID).Msg("malformed protocol event")
			return
		}
		if !ok {
			return
		}
		streamed = append(streamed, event)
		w.IngestEvent(started.ID, event)
	}

	result, execErr := w.sprites.ExecWS(ctx, w.id, started.Command, onLine)
	if execErr != nil {
		w.IngestEvent(started.ID, models.ProtocolEvent{
			ProtocolVersion: "v1", EventType: models.EventError, SpriteID: w.id, WorkItemID: started.ID,
			Timestamp: time.Now().UTC(), Payload: map[string]interface{}{"message": execErr.Error()},
		})
		return result, execErr
	}

	w.reconcileOutbox(ctx, started.ID, streamed)
	return result, nil
}

// reconcileOutbox fetches the sprite's durable outbox and ingests any event
// present there but not in streamed, rehydrating state a crashed or
// partially-delivered session never reported live.
func (w *Worker) reconcileOutbox(ctx context.Context, runID string, streamed []models.ProtocolEvent) {
	raw, err := w.sprites.FetchOutbox(ctx, w.id)
	if err != nil || raw == "" {
		return
	}
	outboxEvents, err := protocol.ParseOutbox(raw)
	if err != nil {
		log.Warn().Err(err).Str("sprite", w.id).Str("run", runID).Msg("outbox reconcile: malformed outbox")
		return
	}

	merged := protocol.Reconcile(streamed, outboxEvents)
	seen := make(map[string]bool, len(streamed))
	for _, e := range streamed {
		seen[string(e.EventType)+"|"+e.Timestamp.UTC().Format(time.RFC3339Nano)] = true
	}
	for _, e := range merged {
		key := string(e.EventType) + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano)
		if !seen[key] {
			w.IngestEvent(runID, e)
		}
	}
}

// ResumeRun restores a paused run's checkpoint, writes its resume payload
// to the sprite, and re-opens the exec_ws session, per the protocol's
// restore -> write resume.json -> re-exec sequence.
func (w *Worker) ResumeRun(ctx context.Context, run models.Run, payload protocol.ResumePayload) (capability.ExecResult, error) {
	if err := w.sprites.RestoreCheckpoint(ctx, w.id, payload.CheckpointID, payload.Inputs); err != nil {
		return capability.ExecResult{}, err
	}
	raw, err := protocol.MarshalResume(payload)
	if err != nil {
		return capability.ExecResult{}, err
	}
	if err := w.sprites.WriteResumeFile(ctx, w.id, raw); err != nil {
		return capability.ExecResult{}, err
	}
	run.Status = models.RunRunning
	return w.ExecuteRun(ctx, run)
}

func (w *Worker) nextInterval() time.Duration {
	if w.viewers {
		return w.jittered(w.cfg.FastMS)
	}
	return w.jittered(w.cfg.SlowMS)
}

func (w *Worker) jittered(ms int) time.Duration {
	if ms <= 0 {
		ms = 1000
	}
	jitter := (rand.Float64()*0.2 - 0.1) * float64(ms) // ±10%
	return time.Duration(float64(ms)+jitter) * time.Millisecond
}

func (w *Worker) reconcile(ctx context.Context) {
	defer w.updateSnapshot()

	start := time.Now()
	fromState := string(w.observed)

	if !w.backoffUntil.IsZero() && start.Before(w.backoffUntil) {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, w.callTimeout())
	defer cancel()

	info, err := w.sprites.Get(cctx, w.id)
	if err != nil {
		w.onFailure(start, fromState, "fetch_failed")
		return
	}
	w.observed = models.SpriteState(mapObserved(info.Status))

	if w.observed == w.desired {
		w.health = models.HealthOK
		w.failureCount = 0
		w.backoffUntil = time.Time{}
		w.publishResult(start, fromState, "ok")
		return
	}

	if w.inflight {
		w.publishResult(start, fromState, "skipped_inflight")
		return
	}

	w.inflight = true
	w.health = models.HealthConverging
	var opErr error
	switch w.desired {
	case models.SpriteReady, models.SpriteBusy:
		_, opErr = w.dispatch.Dispatch(cctx, "sprites", "wake", nil, map[string]interface{}{"id": w.id}, "fleet:worker", func(c context.Context) (interface{}, error) {
			return nil, w.sprites.Wake(c, w.id)
		})
	case models.SpriteHibernating:
		_, opErr = w.dispatch.Dispatch(cctx, "sprites", "sleep", nil, map[string]interface{}{"id": w.id}, "fleet:worker", func(c context.Context) (interface{}, error) {
			return nil, w.sprites.Sleep(c, w.id)
		})
	}
	w.inflight = false

	if opErr != nil {
		w.onFailure(start, fromState, "dispatch_failed")
		return
	}
	w.publishResult(start, fromState, "converging")
}

func (w *Worker) onFailure(start time.Time, fromState, outcome string) {
	w.failureCount++
	backoffMS := float64(w.cfg.BackoffBaseMS) * math.Pow(2, float64(w.failureCount-1))
	if cap := float64(w.cfg.BackoffCapMS); backoffMS > cap && cap > 0 {
		backoffMS = cap
	}
	jitter := (rand.Float64()*0.2 - 0.1) * backoffMS
	w.backoffUntil = time.Now().Add(time.Duration(backoffMS+jitter) * time.Millisecond)

	switch {
	case w.failureCount > w.cfg.MaxRetries && w.cfg.MaxRetries > 0:
		w.health = models.HealthError
	case w.failureCount >= w.cfg.DegradedThreshold && w.cfg.DegradedThreshold > 0:
		w.health = models.HealthDegraded
	}
	w.publishResult(start, fromState, outcome)
}

func (w *Worker) publishResult(start time.Time, fromState, outcome string) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(bus.SpriteTopic(w.id), ReconciliationResult{
		SpriteID:   w.id,
		FromState:  fromState,
		ToState:    string(w.observed),
		DurationMs: time.Since(start).Milliseconds(),
		Outcome:    outcome,
		Timestamp:  time.Now().UTC(),
	})
}

func (w *Worker) callTimeout() time.Duration {
	if w.cfg.CallTimeoutMS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(w.cfg.CallTimeoutMS) * time.Millisecond
}

func mapObserved(raw string) string {
	switch raw {
	case "ready", "waking", "busy", "error", "hibernating":
		return raw // already normalized by the capability layer
	default:
		return "error"
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
