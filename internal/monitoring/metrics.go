package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 使用独立的注册表，测试中可以重复创建。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 认证指标
	AuthFailures *prometheus.CounterVec

	// 限流指标
	RateLimitDecisions *prometheus.CounterVec

	// 测速指标
	SpeedTestDuration prometheus.Histogram

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标，并把测速计数以 CounterFunc/GaugeFunc 暴露
func NewMetrics(counters *Counters) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_failures_total",
				Help: "Total number of rejected authentication attempts",
			},
			[]string{"reason"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rate_limit_decisions_total",
				Help: "Rate limit decisions by route class and counting store",
			},
			[]string{"class", "store", "result"},
		),

		SpeedTestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "speedtest_duration_seconds",
				Help:    "Duration of completed speed tests including retries",
				Buckets: []float64{5, 10, 20, 30, 60, 120, 300},
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}

	if counters != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "speedtest_runs_total",
			Help: "Total number of successful speed tests",
		}, func() float64 { return float64(counters.Runs()) })

		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "speedtest_errors_total",
			Help: "Total number of failed speed tests",
		}, func() float64 { return float64(counters.Errors()) })

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "speedtest_last_download_mbps",
			Help: "Download speed of the last successful test",
		}, counters.LastDownloadMbps)

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "speedtest_last_upload_mbps",
			Help: "Upload speed of the last successful test",
		}, counters.LastUploadMbps)

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "speedtest_last_latency_ms",
			Help: "Latency of the last successful test",
		}, counters.LastLatencyMs)

		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "process_uptime_seconds",
			Help: "Time since the server started",
		}, func() float64 { return counters.Uptime().Seconds() })
	}

	return m
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration, responseSize int) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	if responseSize > 0 {
		m.HTTPResponseSize.WithLabelValues(method, route).Observe(float64(responseSize))
	}
}

// RecordAuthFailure 记录认证失败
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordRateLimit 记录一次限流决策
func (m *Metrics) RecordRateLimit(class, store string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.RateLimitDecisions.WithLabelValues(class, store, result).Inc()
}

// RecordSpeedTest 记录一次完成的测速耗时
func (m *Metrics) RecordSpeedTest(duration time.Duration) {
	m.SpeedTestDuration.Observe(duration.Seconds())
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
