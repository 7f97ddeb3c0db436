package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/capability"
	"github.com/lattice-run/lattice/internal/capability/sprites"
	"github.com/lattice-run/lattice/internal/intent"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/internal/protocol"
	"github.com/lattice-run/lattice/internal/safety"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{FastMS: 20, SlowMS: 20, BackoffBaseMS: 10, BackoffCapMS: 100, DegradedThreshold: 2, MaxRetries: 4, CallTimeoutMS: 200}
}

func newTestSupervisor(t *testing.T, stub *sprites.Stub) (*Supervisor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store := intent.New(kv.NewMemoryStore(), b)
	gate := safety.NewGate(safety.GateConfig{AllowControlled: true})
	audit := safety.NewAudit(b)
	dispatch := capability.NewDispatcher(gate, audit, store)
	return NewSupervisor(stub, dispatch, b, testConfig(), store), b
}

func TestWorkerConvergesToDesiredState(t *testing.T) {
	stub := sprites.NewStub(1)
	var id string
	for _, s := range mustList(t, stub) {
		id = s.ID
	}

	sup, _ := newTestSupervisor(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Register(ctx, id)
	defer sup.Deregister(id)

	results := sup.Wake([]string{id})
	require.NoError(t, results[id])

	assert.Eventually(t, func() bool {
		snap, err := sup.Get(id)
		return err == nil && snap.Observed == "ready"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWakeBatchPublishesFleetSummaryAndReportsPerIDErrors(t *testing.T) {
	stub := sprites.NewStub(2)
	ids := make([]string, 0, 2)
	for _, s := range mustList(t, stub) {
		ids = append(ids, s.ID)
	}

	sup, b := newTestSupervisor(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, id := range ids {
		sup.Register(ctx, id)
	}
	defer func() {
		for _, id := range ids {
			sup.Deregister(id)
		}
	}()

	sub := b.Subscribe(bus.TopicFleet, 4)
	defer sub.Close()

	results := sup.Wake(append(ids, "missing-sprite"))
	assert.NoError(t, results[ids[0]])
	assert.NoError(t, results[ids[1]])
	assert.Error(t, results["missing-sprite"])

	select {
	case msg := <-sub.C:
		summary, ok := msg.Payload.(FleetSummary)
		require.True(t, ok)
		assert.Equal(t, 2, summary.Total)
	case <-time.After(time.Second):
		t.Fatal("expected a fleet_summary publish after Wake")
	}
}

func TestRunAuditReturnsSummary(t *testing.T) {
	stub := sprites.NewStub(3)
	sup, b := newTestSupervisor(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, s := range mustList(t, stub) {
		sup.Register(ctx, s.ID)
	}
	defer func() {
		for _, s := range mustList(t, stub) {
			sup.Deregister(s.ID)
		}
	}()

	sub := b.Subscribe(bus.TopicFleet, 4)
	defer sub.Close()

	summary := sup.RunAudit(context.Background(), time.Second)
	assert.Equal(t, 3, summary.Total)

	select {
	case msg := <-sub.C:
		_, ok := msg.Payload.(FleetSummary)
		assert.True(t, ok, "run_audit should publish a fleet_summary")
	case <-time.After(time.Second):
		t.Fatal("expected a fleet_summary publish after RunAudit")
	}
}

func TestExecuteRunDrivesRunToSucceededAndIntentToCompleted(t *testing.T) {
	stub := sprites.NewStub(1)
	var id string
	for _, s := range mustList(t, stub) {
		id = s.ID
	}

	b := bus.New()
	store := intent.New(kv.NewMemoryStore(), b)
	gate := safety.NewGate(safety.GateConfig{AllowControlled: true})
	audit := safety.NewAudit(b)
	dispatch := capability.NewDispatcher(gate, audit, store)
	sup := NewSupervisor(stub, dispatch, b, testConfig(), store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Register(ctx, id)
	defer sup.Deregister(id)

	in := &models.Intent{
		Kind:   models.IntentTask,
		State:  models.IntentRunning,
		Source: models.Source{Type: models.SourceOperator, ID: "tester"},
	}
	require.NoError(t, store.Create(ctx, in))

	run := models.Run{ID: protocol.NewRunID(), IntentID: in.ID, SpriteID: id, Command: "echo hi", Mode: models.RunModeExecWS}
	result, err := sup.ExecuteRun(ctx, id, run)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	// ExecuteRun only enqueues ingested events onto the worker's inbox; the
	// worker's own goroutine applies them, so the run and intent converge
	// asynchronously rather than by the time ExecuteRun returns.
	assert.Eventually(t, func() bool {
		got, ok := sup.GetRun(run.ID)
		return ok && got.Status == models.RunSucceeded && !got.FinishedAt.IsZero()
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		updated, err := store.Get(ctx, in.ID)
		return err == nil && updated.State == models.IntentCompleted
	}, time.Second, 10*time.Millisecond)
}

func mustList(t *testing.T, stub *sprites.Stub) []capability.SpriteInfo {
	t.Helper()
	list, err := stub.List(context.Background())
	require.NoError(t, err)
	return list
}
