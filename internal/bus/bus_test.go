package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicFleet, 4)
	defer sub.Close()

	b.Publish(TopicFleet, map[string]int{"ready": 1})

	select {
	case msg := <-sub.C:
		assert.Equal(t, TopicFleet, msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("expected message, got none")
	}
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	b := New()
	fleetSub := b.Subscribe(TopicFleet, 4)
	defer fleetSub.Close()

	b.Publish(TopicSafetyAudit, "denied")

	select {
	case <-fleetSub.C:
		t.Fatal("fleet subscriber should not receive safety:audit messages")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	sub := b.Subscribe("test:topic", 2)
	defer sub.Close()

	b.Publish("test:topic", 1)
	b.Publish("test:topic", 2)
	b.Publish("test:topic", 3) // queue size 2: this should evict the "1" message

	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, 2, first.Payload)
	assert.Equal(t, 3, second.Payload)
}

func TestSubscriberCount(t *testing.T) {
	b := New()
	require.Equal(t, 0, b.SubscriberCount(TopicFleet))
	sub := b.Subscribe(TopicFleet, 4)
	require.Equal(t, 1, b.SubscriberCount(TopicFleet))
	sub.Close()
	require.Equal(t, 0, b.SubscriberCount(TopicFleet))
}

func TestPublishNeverBlocksOnFullQueue(t *testing.T) {
	b := New()
	sub := b.Subscribe("test:slow", 1)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("test:slow", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}
}
