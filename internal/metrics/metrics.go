package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector exports call attempt metrics. A nil *Collector is a valid no-op.
type Collector struct {
	attempts    *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	active      prometheus.Gauge
	setup       prometheus.Histogram
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	const ns, sub = "callsig", "attempts"
	return &Collector{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "started_total",
			Help:      "Call attempts started, by direction and call type.",
		}, []string{"direction", "call_type"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "ended_total",
			Help:      "Call attempts ended, by final ledger status.",
		}, []string{"status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state_transitions_total",
			Help:      "Local state machine transitions.",
		}, []string{"from", "to"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "dropped_events_total",
			Help:      "Inbound events dropped as stale or duplicate.",
		}, []string{"reason"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active",
			Help:      "Call attempts currently live in the arena.",
		}),
		setup: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "setup_seconds",
			Help:      "Time from attempt start to media connected.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
	}
}

func (c *Collector) AttemptStarted(direction, callType string) {
	if c == nil {
		return
	}
	c.attempts.WithLabelValues(direction, callType).Inc()
	c.active.Inc()
}

func (c *Collector) AttemptEnded(status string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(status).Inc()
	c.active.Dec()
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

func (c *Collector) Connected(setup time.Duration) {
	if c == nil {
		return
	}
	c.setup.Observe(setup.Seconds())
}
