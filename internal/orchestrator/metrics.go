package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/moodjar/emosync/internal/model"
)

// metrics are registered per orchestrator so several instances (tests,
// multiple users) can coexist on separate registries.
type metrics struct {
	cycles   *prometheus.CounterVec
	records  *prometheus.CounterVec
	duration prometheus.Histogram
	state    *prometheus.GaugeVec
	pending  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "emosync",
				Subsystem: "sync",
				Name:      "cycles_total",
				Help:      "Sync cycles by trigger and outcome.",
			},
			[]string{"trigger", "outcome"},
		),
		records: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "emosync",
				Subsystem: "sync",
				Name:      "records_total",
				Help:      "Records handled by sync cycles, by result.",
			},
			[]string{"result"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "emosync",
				Subsystem: "sync",
				Name:      "cycle_duration_seconds",
				Help:      "Sync cycle latency.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		state: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "emosync",
				Subsystem: "sync",
				Name:      "state",
				Help:      "1 for the orchestrator's current state, 0 otherwise.",
			},
			[]string{"state"},
		),
		pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "emosync",
				Subsystem: "sync",
				Name:      "pending_records",
				Help:      "Local records not yet synced after the last cycle.",
			},
		),
	}
}

func (m *metrics) observe(res model.SyncCycleResult, outcome string) {
	m.cycles.WithLabelValues(res.Trigger, outcome).Inc()
	if res.Skipped != "" {
		return
	}
	m.duration.Observe(res.Duration().Seconds())
	m.records.WithLabelValues("pushed").Add(float64(res.Pushed))
	m.records.WithLabelValues("pulled").Add(float64(res.Pulled))
	m.records.WithLabelValues("conflicted").Add(float64(res.Conflicted))
	m.records.WithLabelValues("failed").Add(float64(res.Failed))
	m.records.WithLabelValues("deleted").Add(float64(res.Deleted))
}

func (m *metrics) setState(s State) {
	for _, known := range []State{StateIdle, StateRunning, StateBackoffWait} {
		v := 0.0
		if known == s {
			v = 1
		}
		m.state.WithLabelValues(string(known)).Set(v)
	}
}
