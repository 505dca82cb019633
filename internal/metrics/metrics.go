// Package metrics records generation counters and latencies in a
// Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samcharles93/llamarun/internal/inference"
)

// Generation implements inference.Observer.
type Generation struct {
	reg *prometheus.Registry

	PromptTokens   prometheus.Counter
	PromptDuration prometheus.Histogram
	TokensTotal    prometheus.Counter
	StepDuration   prometheus.Histogram
	EvictedTokens  prometheus.Counter
	Sessions       *prometheus.CounterVec
}

var _ inference.Observer = (*Generation)(nil)

// New registers the generation metrics in a fresh registry.
func New() *Generation {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Generation{
		reg: reg,
		PromptTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "llamarun_prompt_tokens_total",
			Help: "Prompt tokens evaluated",
		}),
		PromptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llamarun_prompt_eval_seconds",
			Help:    "Duration of prompt evaluation",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		TokensTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "llamarun_generated_tokens_total",
			Help: "Tokens generated",
		}),
		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "llamarun_decode_step_seconds",
			Help:    "Duration of single token decode steps",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		EvictedTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "llamarun_evicted_tokens_total",
			Help: "Tokens dropped by context shifting",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "llamarun_sessions_total",
			Help: "Finished sessions by stop reason",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry.
func (g *Generation) Registry() *prometheus.Registry { return g.reg }

func (g *Generation) PromptEvaluated(tokens int, took time.Duration) {
	g.PromptTokens.Add(float64(tokens))
	g.PromptDuration.Observe(took.Seconds())
}

func (g *Generation) StepDecoded(took time.Duration) {
	g.StepDuration.Observe(took.Seconds())
}

func (g *Generation) Evicted(tokens int) {
	g.EvictedTokens.Add(float64(tokens))
}

func (g *Generation) Stopped(reason inference.StopReason, generated int) {
	g.TokensTotal.Add(float64(generated))
	g.Sessions.WithLabelValues(string(reason)).Inc()
}

// WriteFile writes the registry in the text exposition format, for the
// node exporter textfile collector.
func (g *Generation) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, g.reg)
}
