// Package metrics exposes orchestrator activity as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements orchestrator.Observer.
type Metrics struct {
	ticks       prometheus.Counter
	samples     prometheus.Counter
	commErrors  prometheus.Counter
	parseErrors *prometheus.CounterVec
	verdicts    *prometheus.CounterVec
	state       prometheus.Gauge
	tickLatency prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hipot_poll_ticks_total",
			Help: "Poll ticks executed while a test was running.",
		}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hipot_samples_total",
			Help: "Measurement samples appended to the active session.",
		}),
		commErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hipot_comm_errors_total",
			Help: "Poll ticks that failed on the serial link.",
		}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hipot_parse_errors_total",
			Help: "Poll ticks whose payload could not be decoded.",
		}, []string{"reason"}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hipot_verdicts_total",
			Help: "Completed tests by verdict.",
		}, []string{"verdict"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hipot_orchestrator_state",
			Help: "Current orchestrator state (0 idle, 1 running, 2 finished, 3 faulted).",
		}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hipot_poll_tick_seconds",
			Help:    "Wall time spent on one poll tick, including instrument round trips.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}
	reg.MustRegister(m.ticks, m.samples, m.commErrors, m.parseErrors, m.verdicts, m.state, m.tickLatency)
	return m
}

func (m *Metrics) ObserveTick(d time.Duration) {
	m.ticks.Inc()
	m.tickLatency.Observe(d.Seconds())
}

func (m *Metrics) IncSamples()                  { m.samples.Inc() }
func (m *Metrics) IncCommErrors()               { m.commErrors.Inc() }
func (m *Metrics) IncParseErrors(reason string) { m.parseErrors.WithLabelValues(reason).Inc() }
func (m *Metrics) SetState(state int)           { m.state.Set(float64(state)) }
func (m *Metrics) IncVerdict(verdict string)    { m.verdicts.WithLabelValues(verdict).Inc() }
