// Package metrics implements the Prometheus-facing half of session
// observability: aggregate counters driven by the reactor's lifecycle
// callbacks, and (on Linux) a pull-based TCP_INFO collector sampling live
// sessions on scrape, adapted from the teacher's pkg/exporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements reactor.MetricsSink with promauto-style counters and
// gauges, aggregated by protocol rather than by flow key: a per-flow label
// would give every NAT session its own time series, which is exactly the
// unbounded-cardinality mistake Prometheus documentation warns against.
type Collector struct {
	sessionsOpened  *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
	activeSessions  *prometheus.GaugeVec
	bytesSent       *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	pauseEvents     *prometheus.CounterVec
	resumeEvents    *prometheus.CounterVec
	connectFailures *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_sessions_opened_total",
			Help: "NAT sessions opened, by protocol.",
		}, []string{"proto"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_sessions_closed_total",
			Help: "NAT sessions closed, by protocol.",
		}, []string{"proto"}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmnet_sessions_active",
			Help: "NAT sessions currently open, by protocol.",
		}, []string{"proto"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_bytes_sent_total",
			Help: "Bytes written to real sockets on the guest's behalf.",
		}, []string{"proto"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_bytes_received_total",
			Help: "Bytes read from real sockets bound for the guest.",
		}, []string{"proto"}),
		pauseEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_pause_events_total",
			Help: "Times a session's reader was paused, by protocol and cause.",
		}, []string{"proto", "cause"}),
		resumeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_resume_events_total",
			Help: "Times a session's reader was resumed, by protocol and cause.",
		}, []string{"proto", "cause"}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmnet_connect_failures_total",
			Help: "Outbound connection attempts that failed, by protocol.",
		}, []string{"proto"}),
	}
	reg.MustRegister(
		c.sessionsOpened, c.sessionsClosed, c.activeSessions,
		c.bytesSent, c.bytesReceived,
		c.pauseEvents, c.resumeEvents, c.connectFailures,
	)
	return c
}

func (c *Collector) SessionOpened(proto, _ string) {
	c.sessionsOpened.WithLabelValues(proto).Inc()
	c.activeSessions.WithLabelValues(proto).Inc()
}

func (c *Collector) SessionClosed(proto, _ string) {
	c.sessionsClosed.WithLabelValues(proto).Inc()
	c.activeSessions.WithLabelValues(proto).Dec()
}

func (c *Collector) BytesSent(proto, _ string, n int) {
	c.bytesSent.WithLabelValues(proto).Add(float64(n))
}

func (c *Collector) BytesReceived(proto, _ string, n int) {
	c.bytesReceived.WithLabelValues(proto).Add(float64(n))
}

func (c *Collector) Paused(proto, _, cause string) {
	c.pauseEvents.WithLabelValues(proto, cause).Inc()
}

func (c *Collector) Resumed(proto, _, cause string) {
	c.resumeEvents.WithLabelValues(proto, cause).Inc()
}

func (c *Collector) ConnectFailed(proto, _ string) {
	c.connectFailures.WithLabelValues(proto).Inc()
}
