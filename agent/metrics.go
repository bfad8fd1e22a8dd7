package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dshills/agentrun-go/agent/model"
	"github.com/dshills/agentrun-go/agent/session"
)

// Metrics collects Prometheus metrics for agent runs, namespaced
// "agentrun". Attach with WithMetrics; a nil Metrics records nothing.
//
// Exposed series:
//   - agentrun_runs_total{status}: finished runs by final status
//   - agentrun_active_runs: currently executing runs
//   - agentrun_steps_total: LLM steps across all runs
//   - agentrun_step_latency_ms: LLM step latency distribution
//   - agentrun_tokens_total: prompt plus completion tokens
//   - agentrun_verdicts_total{verdict}: judge verdicts by kind
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	activeRuns    prometheus.Gauge
	stepsTotal    prometheus.Counter
	stepLatency   prometheus.Histogram
	tokensTotal   prometheus.Counter
	verdictsTotal *prometheus.CounterVec
}

// NewMetrics registers the run metrics with the given registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a private
// registry for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "runs_total",
			Help:      "Finished runs by final status.",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Name:      "active_runs",
			Help:      "Currently executing runs.",
		}),
		stepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "steps_total",
			Help:      "LLM steps across all runs.",
		}),
		stepLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrun",
			Name:      "step_latency_ms",
			Help:      "LLM step latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		}),
		tokensTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "tokens_total",
			Help:      "Prompt plus completion tokens across all runs.",
		}),
		verdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Name:      "verdicts_total",
			Help:      "Judge verdicts by kind.",
		}, []string{"verdict"}),
	}
}

func (ex *Executor) metricRunStart() {
	if ex.metrics == nil {
		return
	}
	ex.metrics.activeRuns.Inc()
}

func (ex *Executor) metricRunEnd() {
	if ex.metrics == nil {
		return
	}
	ex.metrics.activeRuns.Dec()
}

func (ex *Executor) metricRunFinished(status session.Status) {
	if ex.metrics == nil {
		return
	}
	ex.metrics.runsTotal.WithLabelValues(string(status)).Inc()
}

func (ex *Executor) metricStep(usage model.Usage) {
	if ex.metrics == nil {
		return
	}
	ex.metrics.stepsTotal.Inc()
	ex.metrics.stepLatency.Observe(float64(usage.LatencyMS))
	ex.metrics.tokensTotal.Add(float64(usage.TotalTokens()))
}

func (ex *Executor) metricVerdict(v Verdict) {
	if ex.metrics == nil {
		return
	}
	ex.metrics.verdictsTotal.WithLabelValues(string(v)).Inc()
}
