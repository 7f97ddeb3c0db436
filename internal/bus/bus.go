// Package bus implements the Lattice event bus: a metrics emitter layer plus
// a topic-scoped publish/subscribe system with bounded, per-subscriber
// queues. Delivery is at-most-once and best-effort; slow subscribers never
// block publishers — when a subscriber's queue is full, the oldest queued
// message is dropped to make room, and a warning is logged.
package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Known topics. Callers may also publish to ad-hoc topics such as
// "sprites:<id>" or "intents:<id>"; these constants cover the fleet-wide
// and cross-cutting ones.
const (
	TopicFleet          = "sprites:fleet"
	TopicIntentsAll     = "intents:all"
	TopicSafetyAudit    = "safety:audit"
	TopicObservationsAll = "observations:all"
)

// SpriteTopic returns the per-sprite topic name.
func SpriteTopic(id string) string { return "sprites:" + id }

// IntentTopic returns the per-intent topic name.
func IntentTopic(id string) string { return "intents:" + id }

// Message is one published event. Topic is carried alongside so a
// subscriber that listens to multiple topics can distinguish them.
type Message struct {
	Topic     string
	Payload   interface{}
	Timestamp time.Time
}

// DefaultQueueSize is the bound applied to a subscriber's queue when the
// caller does not specify one.
const DefaultQueueSize = 64

type subscriber struct {
	topic string
	ch    chan Message
	mu    sync.Mutex
}

// enqueue delivers msg to the subscriber's queue, dropping the oldest
// queued message on overflow so the publisher never blocks.
func (s *subscriber) enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.ch <- msg:
		return
	default:
	}
	// Full: drop oldest, then enqueue.
	select {
	case <-s.ch:
		log.Warn().Str("topic", s.topic).Msg("bus: subscriber queue full, dropping oldest message")
	default:
	}
	select {
	case s.ch <- msg:
	default:
		// Another publisher raced us; give up rather than block.
	}
}

// Bus is the process-wide event bus. Zero value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}

	metrics *Metrics
}

// New creates a ready-to-use Bus with its own metrics emitter.
func New() *Bus {
	return &Bus{
		subs:    make(map[string]map[*subscriber]struct{}),
		metrics: NewMetrics(),
	}
}

// Metrics exposes the bus's metrics emitter so it can be composed into a
// larger metrics registry, or read directly in tests.
func (b *Bus) Metrics() *Metrics { return b.metrics }

// Subscription is a handle returned by Subscribe. The caller reads from C
// and must call Close when done to release the subscription.
type Subscription struct {
	C    <-chan Message
	bus  *Bus
	topic string
	sub  *subscriber
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subs[s.topic]; ok {
		delete(subs, s.sub)
		if len(subs) == 0 {
			delete(s.bus.subs, s.topic)
		}
		s.bus.metrics.mu.Lock()
		s.bus.metrics.openSubsBy[s.topic]--
		s.bus.metrics.mu.Unlock()
		s.bus.metrics.SubscribersOpen.WithLabelValues(s.topic).Dec()
	}
	close(s.sub.ch)
}

// Subscribe registers a new subscriber on topic with a bounded queue of
// queueSize (DefaultQueueSize if <= 0).
func (b *Bus) Subscribe(topic string, queueSize int) *Subscription {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	sub := &subscriber{topic: topic, ch: make(chan Message, queueSize)}

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*subscriber]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()

	b.metrics.subscriberOpened(topic)
	return &Subscription{C: sub.ch, bus: b, topic: topic, sub: sub}
}

// Publish delivers payload to every subscriber of topic. Within a topic,
// messages are delivered to each subscriber in the order Publish is called
// by this goroutine; cross-topic ordering is not guaranteed. Publish never
// blocks on a slow subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	b.metrics.published(topic)
	for _, s := range subs {
		s.enqueue(msg)
	}
}

// SubscriberCount returns the number of active subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
