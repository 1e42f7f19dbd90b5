package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 分析流水线指标
	analysesTotal    *prometheus.CounterVec
	analysisDuration prometheus.Histogram
	threatScore      prometheus.Histogram
	findingsTotal    *prometheus.CounterVec

	// 解混淆指标
	deobfuscationLayers prometheus.Histogram
	deobfuscationTotal  *prometheus.CounterVec

	// 沙箱指标
	sandboxExecutions  *prometheus.CounterVec
	sandboxEnvsLive    prometheus.Gauge
	securityEventsTotal *prometheus.CounterVec

	// 规则集指标
	rulesTotal prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "malware_engine"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		analysesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analyses_total",
				Help:      "Total number of analysis pipeline runs",
			},
			[]string{"status"},
		),
		analysisDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "analysis_duration_seconds",
				Help:      "Analysis pipeline duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
		),
		threatScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "threat_score",
				Help:      "Threat score distribution per analysis",
				Buckets:   []float64{0, 10, 25, 50, 75, 90, 100},
			},
		),
		findingsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total rule findings by severity",
			},
			[]string{"severity"},
		),

		deobfuscationLayers: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deobfuscation_layers",
				Help:      "Obfuscation layers unwrapped per analysis",
				Buckets:   []float64{0, 1, 2, 3, 5, 10},
			},
		),
		deobfuscationTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deobfuscations_total",
				Help:      "Total deobfuscation runs",
			},
			[]string{"status"},
		),

		sandboxExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_executions_total",
				Help:      "Total sandbox executions",
			},
			[]string{"status"},
		),
		sandboxEnvsLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sandbox_environments_live",
				Help:      "Currently live sandbox environments",
			},
		),
		securityEventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "security_events_total",
				Help:      "Security events emitted by sandbox guards",
			},
			[]string{"type", "severity"},
		),

		rulesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "rules_registered",
				Help:      "Number of registered signature rules",
			},
		),

		workerPoolSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Number of workers in the pool",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Tasks waiting in the worker pool queue",
			},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAnalysis 记录一次流水线分析
func (pm *PrometheusMetrics) RecordAnalysis(status string, duration time.Duration, score int, layers int) {
	pm.analysesTotal.WithLabelValues(status).Inc()
	pm.analysisDuration.Observe(duration.Seconds())
	pm.threatScore.Observe(float64(score))
	pm.deobfuscationLayers.Observe(float64(layers))
}

// RecordFinding 按严重度记录规则命中
func (pm *PrometheusMetrics) RecordFinding(severity string) {
	pm.findingsTotal.WithLabelValues(severity).Inc()
}

// RecordDeobfuscation 记录解混淆结果
func (pm *PrometheusMetrics) RecordDeobfuscation(status string) {
	pm.deobfuscationTotal.WithLabelValues(status).Inc()
}

// RecordSandboxExecution 记录沙箱执行结果
func (pm *PrometheusMetrics) RecordSandboxExecution(status string) {
	pm.sandboxExecutions.WithLabelValues(status).Inc()
}

// RecordSecurityEvent 记录沙箱安全事件
func (pm *PrometheusMetrics) RecordSecurityEvent(evType, severity string) {
	pm.securityEventsTotal.WithLabelValues(evType, severity).Inc()
}

// UpdateSandboxEnvCount 更新存活环境数
func (pm *PrometheusMetrics) UpdateSandboxEnvCount(n int) {
	pm.sandboxEnvsLive.Set(float64(n))
}

// UpdateRuleCount 更新已注册规则数
func (pm *PrometheusMetrics) UpdateRuleCount(n int) {
	pm.rulesTotal.Set(float64(n))
}

// UpdateWorkerPoolStats 更新 Worker Pool 指标
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}
