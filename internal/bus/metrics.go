package bus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the bus's synchronous, fire-and-forget metrics emitter. It
// tracks publish volume per topic and active subscriber counts, and exposes
// them both as Prometheus collectors (registered by the caller) and via
// Snapshot for cheap in-process inspection of publish counts.
type Metrics struct {
	mu          sync.Mutex
	publishedBy map[string]int64
	openSubsBy  map[string]int64

	PublishedTotal  *prometheus.CounterVec
	SubscribersOpen *prometheus.GaugeVec
}

// NewMetrics builds a Metrics instance with its own Prometheus collectors.
// Collectors are not auto-registered; call Register on a prometheus.Registerer.
func NewMetrics() *Metrics {
	return &Metrics{
		publishedBy: make(map[string]int64),
		openSubsBy:  make(map[string]int64),
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_bus_published_total",
			Help: "Total messages published to the event bus, by topic.",
		}, []string{"topic"}),
		SubscribersOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lattice_bus_subscribers_open",
			Help: "Number of open subscriptions, by topic.",
		}, []string{"topic"}),
	}
}

// Register adds the bus's collectors to reg. Safe to call once per process.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if err := reg.Register(m.PublishedTotal); err != nil {
		return err
	}
	return reg.Register(m.SubscribersOpen)
}

func (m *Metrics) published(topic string) {
	m.mu.Lock()
	m.publishedBy[topic]++
	m.mu.Unlock()
	m.PublishedTotal.WithLabelValues(topic).Inc()
}

func (m *Metrics) subscriberOpened(topic string) {
	m.mu.Lock()
	m.openSubsBy[topic]++
	m.mu.Unlock()
	m.SubscribersOpen.WithLabelValues(topic).Inc()
}

// Snapshot returns a copy of per-topic publish counts for diagnostics.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.publishedBy))
	for k, v := range m.publishedBy {
		out[k] = v
	}
	return out
}
