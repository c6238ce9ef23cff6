package telemetry

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector aggregates analysis-run metrics for the /metrics endpoint.
type Collector struct {
	logger *log.Logger

	runs      *prometheus.CounterVec
	fallbacks prometheus.Counter
	toolCalls *prometheus.CounterVec
	cacheHits prometheus.Counter
	tokens    prometheus.Counter
	duration  prometheus.Histogram
}

// NewCollector registers the metric set against the given registerer.
// Passing prometheus.DefaultRegisterer wires the default /metrics handler.
func NewCollector(reg prometheus.Registerer, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags)
	}
	c := &Collector{
		logger: logger,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliplens",
			Name:      "analysis_runs_total",
			Help:      "Completed analysis runs by terminal mode.",
		}, []string{"mode"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cliplens",
			Name:      "analysis_fallbacks_total",
			Help:      "Runs that ended in the degraded fallback report.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cliplens",
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool name and result.",
		}, []string{"tool", "result"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cliplens",
			Name:      "tool_cache_hits_total",
			Help:      "Tool invocations served from the result cache.",
		}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cliplens",
			Name:      "model_tokens_total",
			Help:      "Model tokens consumed across all backends.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cliplens",
			Name:      "analysis_duration_seconds",
			Help:      "Wall-clock duration of analysis runs.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(c.runs, c.fallbacks, c.toolCalls, c.cacheHits, c.tokens, c.duration)
	}
	return c
}

// RecordRun records a finished run. mode is the report's analysis mode.
func (c *Collector) RecordRun(mode string, durationSeconds float64, tokensUsed int64) {
	c.runs.WithLabelValues(mode).Inc()
	c.duration.Observe(durationSeconds)
	if tokensUsed > 0 {
		c.tokens.Add(float64(tokensUsed))
	}
	if mode == "fallback" {
		c.fallbacks.Inc()
	}
	c.logger.Printf("run finished mode=%s duration=%.2fs tokens=%d", mode, durationSeconds, tokensUsed)
}

// RecordToolCall records one tool invocation.
func (c *Collector) RecordToolCall(tool string, cacheHit, isError bool) {
	result := "ok"
	if isError {
		result = "error"
	}
	c.toolCalls.WithLabelValues(tool, result).Inc()
	if cacheHit {
		c.cacheHits.Inc()
	}
}
