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

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil *Collector 上的所有 Record 方法均为空操作
type Collector struct {
	registry *prometheus.Registry

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 管线指标
	enhanceTotal    *prometheus.CounterVec
	enhanceDuration prometheus.Histogram
	stageDuration   *prometheus.HistogramVec

	// 存储指标
	interactionsTotal *prometheus.CounterVec
	dualWriteTotal    *prometheus.CounterVec

	// 评估指标
	evaluationsTotal *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	queueRejected    prometheus.Counter

	// 缓存指标
	cacheHits       *prometheus.CounterVec
	cacheMisses     prometheus.Counter
	cacheEvictions  *prometheus.CounterVec
	cachePromotions *prometheus.CounterVec

	// 关联图指标
	associationsTotal *prometheus.CounterVec

	// 熔断器指标
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器，registry 为 nil 时新建独立 Registry
func NewCollector(namespace string, registry *prometheus.Registry, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	c := &Collector{
		registry: registry,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 管线指标
	c.enhanceTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enhance_requests_total",
			Help:      "Total number of query enhancement requests",
		},
		[]string{"status"}, // ok, degraded, error
	)

	c.enhanceDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "enhance_duration_seconds",
			Help:      "Query enhancement duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Retrieval pipeline stage duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"stage"},
	)

	// 存储指标
	c.interactionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_stored_total",
			Help:      "Total number of stored interactions",
		},
		[]string{"status"},
	)

	c.dualWriteTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dual_write_total",
			Help:      "Dual-write outcomes across store and vector index",
		},
		[]string{"result"}, // committed, rolled_back, compensated
	)

	// 评估指标
	c.evaluationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of memory evaluations by weight source",
		},
		[]string{"source"}, // evaluator, heuristic
	)

	c.queueDepth = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_queue_depth",
			Help:      "Number of evaluation tasks waiting in queue",
		},
	)

	c.queueRejected = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_queue_rejected_total",
			Help:      "Total number of evaluation tasks rejected by a full queue",
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"tier"},
	)

	c.cacheMisses = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
	)

	c.cacheEvictions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of cache evictions",
		},
		[]string{"tier"},
	)

	c.cachePromotions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_promotions_total",
			Help:      "Total number of cache tier promotions",
		},
		[]string{"from", "to"},
	)

	// 关联图指标
	c.associationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_total",
			Help:      "Association graph mutations",
		},
		[]string{"op"}, // created, strengthened, weakened, removed
	)

	// 熔断器指标
	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
	)

	c.dbConnectionsIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Registry 返回底层 Prometheus Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 返回 /metrics 暴露端点
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔎 管线指标记录
// =============================================================================

// RecordEnhance 记录一次查询增强
func (c *Collector) RecordEnhance(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.enhanceTotal.WithLabelValues(status).Inc()
	c.enhanceDuration.Observe(duration.Seconds())
}

// RecordStage 记录检索阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// =============================================================================
// 💾 存储与评估指标记录
// =============================================================================

// RecordInteraction 记录交互写入结果
func (c *Collector) RecordInteraction(status string) {
	if c == nil {
		return
	}
	c.interactionsTotal.WithLabelValues(status).Inc()
}

// RecordDualWrite 记录双写结果
func (c *Collector) RecordDualWrite(result string) {
	if c == nil {
		return
	}
	c.dualWriteTotal.WithLabelValues(result).Inc()
}

// RecordEvaluation 记录权重来源
func (c *Collector) RecordEvaluation(source string) {
	if c == nil {
		return
	}
	c.evaluationsTotal.WithLabelValues(source).Inc()
}

// SetQueueDepth 设置评估队列深度
func (c *Collector) SetQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(depth))
}

// RecordQueueRejected 记录队列满拒绝
func (c *Collector) RecordQueueRejected() {
	if c == nil {
		return
	}
	c.queueRejected.Inc()
}

// =============================================================================
// 🧊 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(tier string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// RecordCacheEviction 记录缓存淘汰
func (c *Collector) RecordCacheEviction(tier string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(tier).Inc()
}

// RecordCachePromotion 记录层级晋升
func (c *Collector) RecordCachePromotion(from, to string) {
	if c == nil {
		return
	}
	c.cachePromotions.WithLabelValues(from, to).Inc()
}

// =============================================================================
// 🕸️ 关联图与熔断器指标记录
// =============================================================================

// RecordAssociation 记录关联变更
func (c *Collector) RecordAssociation(op string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.associationsTotal.WithLabelValues(op).Add(float64(n))
}

// RecordBreakerTransition 记录熔断器状态转换
func (c *Collector) RecordBreakerTransition(component, from, to string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(component, from, to).Inc()
	c.breakerState.WithLabelValues(component).Set(breakerStateValue(to))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
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

func breakerStateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}
