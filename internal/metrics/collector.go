// Package metrics exposes Prometheus metrics for ingestion, retrieval,
// answering and the HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector owns its own registry so several instances (tests, embedded
// use) never collide on registration. All methods are safe on a nil
// *Collector, which records nothing.
type Collector struct {
	registry *prometheus.Registry

	ingestRuns      *prometheus.CounterVec
	ingestDuration  prometheus.Histogram
	chunksIndexed   prometheus.Gauge
	filesFailed     prometheus.Counter
	embedDuration   prometheus.Histogram
	queriesTotal    *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	answersTotal    *prometheus.CounterVec
	llmDuration     prometheus.Histogram
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	httpRequestSize *prometheus.HistogramVec
}

// NewCollector creates a collector whose metrics are prefixed with namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	c := &Collector{registry: reg}

	c.ingestRuns = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Total number of index rebuilds by outcome",
		},
		[]string{"status"},
	)
	c.ingestDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Index rebuild duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
	})
	c.chunksIndexed = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chunks_indexed",
		Help:      "Number of chunks in the live index",
	})
	c.filesFailed = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_failed_total",
		Help:      "Total number of files that could not be loaded",
	})
	c.embedDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "embed_duration_seconds",
		Help:      "Embedding call duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	c.queriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Total number of retrieval queries by outcome",
		},
		[]string{"status"},
	)
	c.queryDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "retrieval_duration_seconds",
		Help:      "Retrieval duration in seconds",
		Buckets:   prometheus.DefBuckets,
	})
	c.answersTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Total number of answered questions by outcome",
		},
		[]string{"outcome"}, // ok, not_ready, error
	)
	c.llmDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_request_duration_seconds",
		Help:      "LLM request duration in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
	c.httpRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	c.httpRequestSize = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	if logger != nil {
		logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordIngest records one rebuild attempt.
func (c *Collector) RecordIngest(err error, duration time.Duration, chunks int) {
	if c == nil {
		return
	}
	c.ingestRuns.WithLabelValues(status(err)).Inc()
	c.ingestDuration.Observe(duration.Seconds())
	if err == nil {
		c.chunksIndexed.Set(float64(chunks))
	}
}

// SetChunksIndexed sets the live index size, e.g. after loading from disk.
func (c *Collector) SetChunksIndexed(n int) {
	if c == nil {
		return
	}
	c.chunksIndexed.Set(float64(n))
}

func (c *Collector) RecordFileFailures(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.filesFailed.Add(float64(n))
}

func (c *Collector) RecordEmbed(duration time.Duration) {
	if c == nil {
		return
	}
	c.embedDuration.Observe(duration.Seconds())
}

func (c *Collector) RecordRetrieval(err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.queriesTotal.WithLabelValues(status(err)).Inc()
	c.queryDuration.Observe(duration.Seconds())
}

// RecordAnswer counts one answered question. outcome is ok, not_ready or error.
func (c *Collector) RecordAnswer(outcome string) {
	if c == nil {
		return
	}
	c.answersTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordLLM(duration time.Duration) {
	if c == nil {
		return
	}
	c.llmDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, code int, duration time.Duration, requestSize int64) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, statusCode(code)).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	if requestSize > 0 {
		c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// statusCode buckets an HTTP status code into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
