package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// metrics lives in its own registry so tests and embedders never collide with the
// default one.
type metrics struct {
	registry *prometheus.Registry

	laneWaiting  *prometheus.GaugeVec
	laneAdmitted *prometheus.CounterVec
	laneDone     *prometheus.CounterVec
	laneDuration *prometheus.HistogramVec

	transcriptLoad prometheus.Histogram
	transcriptSave prometheus.Histogram

	providerCalls    *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	droppedChunks    *prometheus.CounterVec
	retryAttempts    *prometheus.CounterVec
	fallbackOutcomes *prometheus.CounterVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	toolRepairs  *prometheus.CounterVec

	compressions     *prometheus.CounterVec
	compressionRatio prometheus.Histogram

	agentRuns        *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
	agentTurns       *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *metrics
)

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help, Buckets: buckets,
	}, labels)
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),

		laneWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "waiting",
			Help: "Tasks waiting for a lane slot.",
		}, []string{"lane"}),
		laneAdmitted: counter("queue", "submitted_total", "Tasks submitted by lane.", "lane"),
		laneDone:     counter("queue", "completed_total", "Tasks finished by lane and status.", "lane", "status"),
		laneDuration: histogram("queue", "task_duration_seconds", "Task run time by lane.", prometheus.DefBuckets, "lane"),

		transcriptLoad: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "session", Name: "load_duration_seconds",
			Help: "Transcript load time.", Buckets: prometheus.DefBuckets,
		}),
		transcriptSave: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "session", Name: "save_duration_seconds",
			Help: "Transcript append and rewrite time.", Buckets: prometheus.DefBuckets,
		}),

		providerCalls: counter("provider", "call_total", "Provider calls by provider, mode and status.", "provider", "mode", "status"),
		providerLatency: histogram("provider", "call_duration_seconds",
			"Provider call latency by provider and mode. Streams stop the clock at the response headers.",
			prometheus.DefBuckets, "provider", "mode"),
		droppedChunks:    counter("provider", "stream_chunk_dropped_total", "Malformed stream chunks skipped by provider.", "provider"),
		retryAttempts:    counter("retry", "attempts_total", "Retried provider attempts by reason.", "reason"),
		fallbackOutcomes: counter("retry", "model_fallback_total", "Persistent quota fallback decisions by outcome.", "outcome"),

		toolCalls:    counter("tool", "execution_total", "Tool executions by tool and status.", "tool", "status"),
		toolDuration: histogram("tool", "execution_duration_seconds", "Tool run time by tool.", prometheus.DefBuckets, "tool"),
		toolRepairs:  counter("tool", "repair_total", "Tool argument repair outcomes by tool.", "tool", "outcome"),

		compressions: counter("history", "compression_total", "History compression attempts by outcome.", "outcome"),
		compressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "history", Name: "compression_ratio",
			Help:    "New token count over original token count after compression.",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),

		agentRuns:        counter("agent", "run_total", "Agent runs by provider and status.", "provider", "status"),
		agentRunDuration: histogram("agent", "run_duration_seconds", "Agent run time by provider.", prometheus.DefBuckets, "provider"),
		agentTurns:       counter("agent", "turns_total", "Model turns driven by the orchestrator by provider.", "provider"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.laneWaiting, m.laneAdmitted, m.laneDone, m.laneDuration,
		m.transcriptLoad, m.transcriptSave,
		m.providerCalls, m.providerLatency, m.droppedChunks, m.retryAttempts, m.fallbackOutcomes,
		m.toolCalls, m.toolDuration, m.toolRepairs,
		m.compressions, m.compressionRatio,
		m.agentRuns, m.agentRunDuration, m.agentTurns,
	)
	return m
}

func getMetrics() *metrics {
	metricsOnce.Do(func() { metricsInst = newMetrics() })
	return metricsInst
}

// EnsureRegistered builds the metric set on first use.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the parley registry in the Prometheus text or OpenMetrics format.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(getMetrics().registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, waiting int) {
	m := getMetrics()
	m.laneAdmitted.WithLabelValues(lane).Inc()
	m.laneWaiting.WithLabelValues(lane).Set(float64(waiting))
}

func SetQueueSize(lane string, waiting int) {
	getMetrics().laneWaiting.WithLabelValues(lane).Set(float64(waiting))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, waiting int) {
	m := getMetrics()
	m.laneDone.WithLabelValues(lane, statusLabel(success)).Inc()
	m.laneDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.laneWaiting.WithLabelValues(lane).Set(float64(waiting))
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().transcriptLoad.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().transcriptSave.Observe(duration.Seconds())
}

// RecordProviderCall counts one provider request; mode is "generate", "stream" or "count_tokens"
func RecordProviderCall(provider, mode string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCalls.WithLabelValues(provider, mode, statusLabel(success)).Inc()
	m.providerLatency.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func RecordStreamChunkDropped(provider string) {
	getMetrics().droppedChunks.WithLabelValues(provider).Inc()
}

func RecordRetryAttempt(reason string) {
	getMetrics().retryAttempts.WithLabelValues(reason).Inc()
}

// RecordFallback counts a fallback decision by outcome label
func RecordFallback(outcome string) {
	getMetrics().fallbackOutcomes.WithLabelValues(outcome).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolCalls.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolRepair counts a repair outcome: "recovered", "failed" or "error_loop"
func RecordToolRepair(tool, outcome string) {
	getMetrics().toolRepairs.WithLabelValues(tool, outcome).Inc()
}

// RecordCompression counts a compression attempt; ratio is only observed when compressed
func RecordCompression(outcome string, originalTokens, newTokens int) {
	m := getMetrics()
	m.compressions.WithLabelValues(outcome).Inc()
	if outcome == "compressed" && originalTokens > 0 {
		m.compressionRatio.Observe(float64(newTokens) / float64(originalTokens))
	}
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.agentRuns.WithLabelValues(provider, statusLabel(success)).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAgentTurn(provider string) {
	getMetrics().agentTurns.WithLabelValues(provider).Inc()
}
