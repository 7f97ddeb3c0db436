package intent

import (
	"context"
	"testing"

	"github.com/lattice-run/lattice/internal/bus"
	"github.com/lattice-run/lattice/internal/kv"
	"github.com/lattice-run/lattice/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *Store {
	return New(kv.NewMemoryStore(), bus.New())
}

func stateP(s models.IntentState) *models.IntentState { return &s }

func TestCreateRejectsTerminalState(t *testing.T) {
	s := newTestStore()
	err := s.Create(context.Background(), &models.Intent{ID: "i1", State: models.IntentCompleted})
	assert.Error(t, err)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "dup"}))
	err := s.Create(ctx, &models.Intent{ID: "dup"})
	var exists *ErrAlreadyExists
	assert.ErrorAs(t, err, &exists)
}

func TestValidTransitionSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i1"}))

	in, err := s.Update(ctx, "i1", Changes{State: stateP(models.IntentClassified), Actor: "pipeline"})
	require.NoError(t, err)
	assert.Equal(t, models.IntentClassified, in.State)
	assert.False(t, in.Phases.ClassifiedAt.IsZero())

	in, err = s.Update(ctx, "i1", Changes{State: stateP(models.IntentApproved), Actor: "gate"})
	require.NoError(t, err)
	assert.Equal(t, models.IntentApproved, in.State)
	assert.Len(t, in.TransitionLog, 2)
}

func TestInvalidTransitionRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i1"}))

	_, err := s.Update(ctx, "i1", Changes{State: stateP(models.IntentCompleted)})
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "proposed", invalid.From)
	assert.Equal(t, "completed", invalid.To)

	// intent must remain in its prior state
	in, err := s.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentProposed, in.State)
}

func TestTerminalIntentNeverMutated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i1"}))
	_, err := s.Update(ctx, "i1", Changes{State: stateP(models.IntentClassified)})
	require.NoError(t, err)
	_, err = s.Update(ctx, "i1", Changes{State: stateP(models.IntentRejected), Reason: "policy_denied"})
	require.NoError(t, err)

	_, err = s.Update(ctx, "i1", Changes{State: stateP(models.IntentApproved)})
	var term *ErrTerminal
	assert.ErrorAs(t, err, &term)
}

func TestTransitionLogLengthMatchesStateChanges(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i1"}))

	for _, to := range []models.IntentState{models.IntentClassified, models.IntentApproved, models.IntentRunning, models.IntentCompleted} {
		_, err := s.Update(ctx, "i1", Changes{State: stateP(to)})
		require.NoError(t, err)
	}

	in, err := s.Get(ctx, "i1")
	require.NoError(t, err)
	assert.Len(t, in.TransitionLog, 4)

	for i := 1; i < len(in.TransitionLog); i++ {
		assert.True(t, !in.TransitionLog[i].Timestamp.Before(in.TransitionLog[i-1].Timestamp))
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i1", Kind: models.IntentPRCreate, Source: models.Source{Type: models.SourceWebhook}}))
	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i2", Kind: models.IntentTask, Source: models.Source{Type: models.SourceCron}}))

	found, err := s.List(ctx, Filters{Kind: models.IntentPRCreate})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "i1", found[0].ID)
}

func TestUpdatePublishesOnBus(t *testing.T) {
	ctx := context.Background()
	b := bus.New()
	s := New(kv.NewMemoryStore(), b)
	sub := b.Subscribe(bus.TopicIntentsAll, 4)
	defer sub.Close()

	require.NoError(t, s.Create(ctx, &models.Intent{ID: "i1"}))
	msg := <-sub.C
	in := msg.Payload.(*models.Intent)
	assert.Equal(t, "i1", in.ID)
}
