package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServiceMetrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CustomCounters      map[string]*prometheus.CounterVec
	CustomHistograms    map[string]*prometheus.HistogramVec

	factory     promauto.Factory
	serviceName string
}

// NewServiceMetrics registers the shared HTTP metrics on reg. A nil reg means
// the default Prometheus registry.
func NewServiceMetrics(serviceName string, reg prometheus.Registerer) *ServiceMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ServiceMetrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests processed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "Duration of HTTP requests in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
		factory:          factory,
		serviceName:      serviceName,
	}
}

func (sm *ServiceMetrics) AddCustomCounter(name, help string, labels []string) *prometheus.CounterVec {
	counter := sm.factory.NewCounterVec(
		prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": sm.serviceName},
		},
		labels,
	)
	sm.CustomCounters[name] = counter
	return counter
}

func (sm *ServiceMetrics) AddCustomHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	histogram := sm.factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"service": sm.serviceName},
			Buckets:     buckets,
		},
		labels,
	)
	sm.CustomHistograms[name] = histogram
	return histogram
}

func (sm *ServiceMetrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		sm.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()

		sm.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

// SetupMetricsEndpoint exposes the given gatherer on /metrics. A nil gatherer
// means the default Prometheus registry.
func SetupMetricsEndpoint(router *gin.Engine, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// Download status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type AcquisitionMetrics struct {
	*ServiceMetrics
	DownloadsTotal        *prometheus.CounterVec
	DownloadBytesTotal    *prometheus.CounterVec
	DownloadDuration      *prometheus.HistogramVec
	ParsedRowsTotal       *prometheus.CounterVec
	FreshnessLookupsTotal *prometheus.CounterVec
	CacheLookupsTotal     *prometheus.CounterVec
}

func NewAcquisitionMetrics(serviceName string, reg prometheus.Registerer) *AcquisitionMetrics {
	sm := NewServiceMetrics(serviceName, reg)
	return &AcquisitionMetrics{
		ServiceMetrics: sm,
		DownloadsTotal: sm.AddCustomCounter(
			"weave_downloads_total",
			"Total number of file downloads attempted",
			[]string{"dno", "status"},
		),
		DownloadBytesTotal: sm.AddCustomCounter(
			"weave_download_bytes_total",
			"Total bytes read from upstream sources",
			[]string{"dno"},
		),
		DownloadDuration: sm.AddCustomHistogram(
			"weave_download_duration_seconds",
			"Duration of single file downloads in seconds",
			[]string{"dno"},
			[]float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		),
		ParsedRowsTotal: sm.AddCustomCounter(
			"weave_parsed_rows_total",
			"Total number of rows parsed into typed tables",
			[]string{"dataset"},
		),
		FreshnessLookupsTotal: sm.AddCustomCounter(
			"weave_freshness_lookups_total",
			"Total number of upstream last-modified lookups",
			[]string{"dataset", "result"},
		),
		CacheLookupsTotal: sm.AddCustomCounter(
			"weave_freshness_cache_lookups_total",
			"Freshness cache hits and misses",
			[]string{"result"},
		),
	}
}
