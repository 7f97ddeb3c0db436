package protocol

import (
	"testing"
	"time"

	"github.com/lattice-run/lattice/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinePassesThroughPlainOutput(t *testing.T) {
	_, ok, err := ParseLine("just a normal log line")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseLineRoundTrip(t *testing.T) {
	original := models.ProtocolEvent{
		ProtocolVersion: "v1",
		EventType:       models.EventInfo,
		SpriteID:        "sprite-1",
		WorkItemID:      "wi-1",
		Timestamp:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:         map[string]interface{}{"message": "hello"},
	}
	line, err := Serialize(original)
	require.NoError(t, err)

	parsed, ok, err := ParseLine(line)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, original.EventType, parsed.EventType)
	assert.Equal(t, original.Payload["message"], parsed.Payload["message"])
}

func TestParseLineRejectsMissingRequiredField(t *testing.T) {
	line := Prefix + `{"protocol_version":"v1","event_type":"WAITING","sprite_id":"s","work_item_id":"w","timestamp":"2026-01-01T00:00:00Z","payload":{}}`
	_, ok, err := ParseLine(line)
	assert.True(t, ok)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func ev(eventType models.ProtocolEventType, ts time.Time) models.ProtocolEvent {
	return models.ProtocolEvent{EventType: eventType, Timestamp: ts, Payload: map[string]interface{}{}}
}

func TestReconcileReplacesStreamedDuplicateWithOutboxCopy(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	streamed := []models.ProtocolEvent{ev(models.EventInfo, ts)}
	outboxCopy := ev(models.EventInfo, ts)
	outboxCopy.Payload["message"] = "more complete"
	outbox := []models.ProtocolEvent{outboxCopy}

	merged := Reconcile(streamed, outbox)
	require.Len(t, merged, 1)
	assert.Equal(t, "more complete", merged[0].Payload["message"])
}

func TestReconcileAppendsOutboxOnlyEvents(t *testing.T) {
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Minute)
	streamed := []models.ProtocolEvent{ev(models.EventInfo, ts1)}
	outbox := []models.ProtocolEvent{ev(models.EventInfo, ts1), ev(models.EventCompleted, ts2)}

	merged := Reconcile(streamed, outbox)
	require.Len(t, merged, 2)
	assert.Equal(t, models.EventCompleted, merged[1].EventType)
}

func TestReconcileSortsByTimestampAscending(t *testing.T) {
	ts1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Minute)
	ts3 := ts1.Add(2 * time.Minute)
	streamed := []models.ProtocolEvent{ev(models.EventInfo, ts3), ev(models.EventInfo, ts1)}
	outbox := []models.ProtocolEvent{ev(models.EventPhaseStarted, ts2)}

	merged := Reconcile(streamed, outbox)
	require.Len(t, merged, 3)
	assert.True(t, merged[0].Timestamp.Before(merged[1].Timestamp))
	assert.True(t, merged[1].Timestamp.Before(merged[2].Timestamp))
}

func TestReconcileIsIdempotent(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	streamed := []models.ProtocolEvent{ev(models.EventInfo, ts)}
	outbox := []models.ProtocolEvent{ev(models.EventInfo, ts)}

	first := Reconcile(streamed, outbox)
	second := Reconcile(first, outbox)
	assert.Equal(t, first, second)
}

func TestSameResumeTarget(t *testing.T) {
	a := ResumePayload{CheckpointID: "cp1", Inputs: map[string]interface{}{"x": 1.0}}
	b := ResumePayload{CheckpointID: "cp1", Inputs: map[string]interface{}{"x": 1.0}}
	c := ResumePayload{CheckpointID: "cp2", Inputs: map[string]interface{}{"x": 1.0}}
	assert.True(t, SameResumeTarget(a, b))
	assert.False(t, SameResumeTarget(a, c))
}
