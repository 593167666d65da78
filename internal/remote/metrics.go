package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	commands       *prometheus.CounterVec
	errors         *prometheus.CounterVec
	activeSessions prometheus.Gauge
	inboxLines     prometheus.Gauge
	stepDuration   prometheus.Histogram
	statePushes    prometheus.Counter
}

// NewMetrics registers the server collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gradsim_commands_total",
			Help: "Inbound commands processed, by op",
		}, []string{"op"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gradsim_command_errors_total",
			Help: "Inbound lines answered with an error, by error code",
		}, []string{"code"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "gradsim_active_sessions",
			Help: "Connected remote sessions",
		}),
		inboxLines: f.NewGauge(prometheus.GaugeOpts{
			Name: "gradsim_inbox_lines",
			Help: "Lines received but not yet processed, across sessions",
		}),
		stepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gradsim_step_duration_seconds",
			Help:    "Time to run a step command and build its state push",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		}),
		statePushes: f.NewCounter(prometheus.CounterOpts{
			Name: "gradsim_state_pushes_total",
			Help: "State messages pushed to clients",
		}),
	}
}

func (m *Metrics) command(op string) {
	if m != nil {
		m.commands.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) failure(code string) {
	if m != nil {
		if code == "" {
			code = "UNKNOWN"
		}
		m.errors.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) sessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.inboxLines.Inc()
	}
}

func (m *Metrics) processed() {
	if m != nil {
		m.inboxLines.Dec()
	}
}

func (m *Metrics) stepped(seconds float64) {
	if m != nil {
		m.stepDuration.Observe(seconds)
		m.statePushes.Inc()
	}
}

func (m *Metrics) discarded(n int) {
	if m != nil && n > 0 {
		m.inboxLines.Sub(float64(n))
	}
}
