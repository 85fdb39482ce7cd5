package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spec_to_proof"

type Prometheus struct {
	calls        *prometheus.CounterVec
	callLatency  *prometheus.HistogramVec
	tokens       *prometheus.CounterVec
	sandboxRuns  *prometheus.CounterVec
	sandboxWall  prometheus.Histogram
	artifacts    *prometheus.CounterVec
	attempts     prometheus.Histogram
	orchestrated prometheus.Histogram
}

// NewPrometheus registers the collectors with reg. Passing a fresh registry
// keeps tests independent of the default one.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "calls_total",
			Help:      "Reasoning service calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		callLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "call_seconds",
			Help:      "Reasoning service call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"provider"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "tokens_total",
			Help:      "Tokens consumed by direction.",
		}, []string{"provider", "direction"}),
		sandboxRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Verifier runs by verdict.",
		}, []string{"verdict"}),
		sandboxWall: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "wall_seconds",
			Help:      "Verifier wall time.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		artifacts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "artifacts_total",
			Help:      "Terminal artifacts by status.",
		}, []string{"status"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "attempts",
			Help:      "Attempts per orchestration.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		orchestrated: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "duration_seconds",
			Help:      "End to end orchestration time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

func (p *Prometheus) ReasoningCall(provider, outcome string, in, out int, d time.Duration) {
	p.calls.WithLabelValues(provider, outcome).Inc()
	p.callLatency.WithLabelValues(provider).Observe(d.Seconds())
	p.tokens.WithLabelValues(provider, "input").Add(float64(in))
	p.tokens.WithLabelValues(provider, "output").Add(float64(out))
}

func (p *Prometheus) SandboxRun(verdict string, wall time.Duration) {
	p.sandboxRuns.WithLabelValues(verdict).Inc()
	p.sandboxWall.Observe(wall.Seconds())
}

func (p *Prometheus) ArtifactFinished(status string, attempts int, d time.Duration) {
	p.artifacts.WithLabelValues(status).Inc()
	p.attempts.Observe(float64(attempts))
	p.orchestrated.Observe(d.Seconds())
}
