// Package stats tracks per-session protocol counters. It plays the role the
// teacher's track.Head played for ASDU address state, adapted here to count
// transport-layer events (sends, acks, retransmits, drops) rather than
// measured values, and exported through Prometheus instead of an ad hoc
// sync.Map lookup table.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Event names the protocol occurrences a Collector counts.
type Event string

const (
	Sent              Event = "sent"
	Acked             Event = "acked"
	Retransmitted     Event = "retransmitted"
	Delivered         Event = "delivered"
	DroppedByRelay    Event = "dropped_by_relay"
	CorruptedByRelay  Event = "corrupted_by_relay"
	ChecksumRejected  Event = "checksum_rejected"
	DuplicateAcked    Event = "duplicate_acked"
	OutOfRangeDropped Event = "out_of_range_dropped"
)

// Collector counts protocol events for one role (sender, receiver, or
// relay) and exposes a gauge for the receiver's out-of-order buffer depth.
type Collector struct {
	events      *prometheus.CounterVec
	bufferDepth prometheus.Gauge
}

// NewCollector registers a Collector's metrics under role ("sender",
// "receiver", or "relay") against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global registry.
func NewCollector(reg prometheus.Registerer, role string) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdt",
			Subsystem: role,
			Name:      "events_total",
			Help:      "Count of protocol events observed by this endpoint.",
		}, []string{"event"}),
		bufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Subsystem: role,
			Name:      "buffer_depth",
			Help:      "Current number of out-of-order entries held in the window buffer.",
		}),
	}
	reg.MustRegister(c.events, c.bufferDepth)
	return c
}

// Inc records one occurrence of ev.
func (c *Collector) Inc(ev Event) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(string(ev)).Inc()
}

// SetBufferDepth records the current size of the out-of-order buffer.
func (c *Collector) SetBufferDepth(n int) {
	if c == nil {
		return
	}
	c.bufferDepth.Set(float64(n))
}
