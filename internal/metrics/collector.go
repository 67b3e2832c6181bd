// Package metrics exposes the relay's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const namespace = "rendezvous"

// Label names.
const (
	labelReason = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus relay metrics
// -------------------------------------------------------------------------

// Collector holds every Prometheus metric the relay publishes: current
// table sizes as gauges, lifecycle events as counters.
type Collector struct {
	// PendingPairings tracks the current number of half-open pairings.
	PendingPairings prometheus.Gauge

	// Sessions tracks the current number of promoted sessions.
	Sessions prometheus.Gauge

	// PacketsForwarded counts data datagrams relayed between paired peers.
	PacketsForwarded prometheus.Counter

	// ControlFramesDropped counts rejected control frames, labeled by the
	// validation step that rejected them.
	ControlFramesDropped *prometheus.CounterVec

	// ACKsSent counts EstablishConnection requests that were ACKed: a first
	// claimant and a duplicate request from that same claimant. The request
	// that completes a pairing is not ACKed.
	ACKsSent prometheus.Counter

	// PairingsExpired counts pending pairings removed by GC for exceeding
	// the pairing timeout.
	PairingsExpired prometheus.Counter

	// SessionsExpired counts sessions removed by GC for bilateral silence
	// past the inactivity timeout.
	SessionsExpired prometheus.Counter
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.PendingPairings,
		c.Sessions,
		c.PacketsForwarded,
		c.ControlFramesDropped,
		c.ACKsSent,
		c.PairingsExpired,
		c.SessionsExpired,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		PendingPairings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_pairings",
			Help:      "Number of half-open pairings awaiting a second claimant.",
		}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of currently promoted relay sessions.",
		}),

		PacketsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_forwarded_total",
			Help:      "Total data datagrams relayed between paired peers.",
		}),

		ControlFramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_frames_dropped_total",
			Help:      "Total EstablishConnection frames rejected, labeled by reason.",
		}, []string{labelReason}),

		ACKsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Total ACK frames sent in response to EstablishConnection requests.",
		}),

		PairingsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairings_expired_total",
			Help:      "Total pending pairings removed for exceeding the pairing timeout.",
		}),

		SessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total sessions removed for bilateral silence past the inactivity timeout.",
		}),
	}
}

// -------------------------------------------------------------------------
// Publishers
// -------------------------------------------------------------------------

// SetTableSizes publishes the current pending-pairing and session counts,
// called periodically by the daemon's stats-publishing goroutine.
func (c *Collector) SetTableSizes(pending, sessions int) {
	c.PendingPairings.Set(float64(pending))
	c.Sessions.Set(float64(sessions))
}

// IncPacketsForwarded increments the forwarded-datagram counter.
func (c *Collector) IncPacketsForwarded() {
	c.PacketsForwarded.Inc()
}

// IncControlFramesDropped increments the dropped-control-frame counter for
// the given rejection reason.
func (c *Collector) IncControlFramesDropped(reason string) {
	c.ControlFramesDropped.WithLabelValues(reason).Inc()
}

// IncACKsSent increments the ACK-sent counter.
func (c *Collector) IncACKsSent() {
	c.ACKsSent.Inc()
}

// IncPairingsExpired increments the expired-pairing counter by n.
func (c *Collector) IncPairingsExpired(n int) {
	c.PairingsExpired.Add(float64(n))
}

// IncSessionsExpired increments the expired-session counter by n.
func (c *Collector) IncSessionsExpired(n int) {
	c.SessionsExpired.Add(float64(n))
}
