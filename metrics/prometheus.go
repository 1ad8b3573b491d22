package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 队列指标
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_jobs_enqueued_total",
			Help: "Total number of stage jobs enqueued",
		},
		[]string{"stage"},
	)

	jobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_jobs_completed_total",
			Help: "Total number of stage jobs completed",
		},
		[]string{"stage"},
	)

	jobsRetriedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_jobs_retried_total",
			Help: "Total number of stage job retries scheduled",
		},
		[]string{"stage"},
	)

	jobsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_jobs_failed_total",
			Help: "Total number of stage jobs failed permanently",
		},
		[]string{"stage", "reason"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartalpaca_stage_duration_seconds",
			Help:    "Stage handler duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"stage"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartalpaca_queue_jobs",
			Help: "Number of jobs in the stage queue by state",
		},
		[]string{"state"},
	)

	// 机器人与周期
	botRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_bot_running",
			Help: "Bot state (1=running, 0=stopped)",
		},
	)

	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_cycles_total",
			Help: "Trading cycles by outcome",
		},
		[]string{"status"},
	)

	// 订单指标
	ordersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_orders_total",
			Help: "Orders by outcome (placed, rejected, failed)",
		},
		[]string{"symbol", "side", "status"},
	)

	orderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smartalpaca_order_duration_seconds",
			Help:    "Order placement duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"symbol", "side"},
	)

	tradeNotional = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_trade_notional_total",
			Help: "Total traded notional (quantity * price)",
		},
		[]string{"symbol", "side"},
	)

	// 风控指标
	riskRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_risk_rejections_total",
			Help: "Pre-trade risk rejections by check",
		},
		[]string{"symbol", "check"},
	)

	riskTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_risk_triggers_total",
			Help: "Post-trade stop-loss / take-profit / exposure triggers",
		},
		[]string{"symbol", "trigger"},
	)

	tradingHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_trading_halted",
			Help: "Trading kill switch (1=halted)",
		},
	)

	portfolioExposure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_portfolio_exposure_ratio",
			Help: "Open market value / portfolio value",
		},
	)

	// 持仓指标
	positionMarketValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartalpaca_position_market_value",
			Help: "Open position market value",
		},
		[]string{"symbol"},
	)

	positionUnrealizedPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartalpaca_position_unrealized_pnl",
			Help: "Open position unrealized profit and loss",
		},
		[]string{"symbol"},
	)

	realizedPnLTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smartalpaca_position_realized_pnl",
			Help: "Realized profit and loss of the current position",
		},
		[]string{"symbol"},
	)

	// 系统指标
	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_goroutines",
			Help: "Number of goroutines",
		},
	)

	memoryAlloc = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		},
	)

	gcPause = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smartalpaca_gc_pause_seconds",
			Help:    "GC pause duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
		},
	)

	processCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_process_cpu_percent",
			Help: "Process CPU usage percent",
		},
	)

	processRSS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smartalpaca_process_rss_bytes",
			Help: "Process resident set size",
		},
	)

	// 锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smartalpaca_lock_acquire_total",
			Help: "Lock acquisitions by status",
		},
		[]string{"scope", "status"},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct{}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// 队列

func (pm *PrometheusMetrics) RecordJobEnqueued(stage string) {
	jobsEnqueuedTotal.WithLabelValues(stage).Inc()
}

func (pm *PrometheusMetrics) RecordJobCompleted(stage string, duration time.Duration) {
	jobsCompletedTotal.WithLabelValues(stage).Inc()
	stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) RecordJobRetried(stage string) {
	jobsRetriedTotal.WithLabelValues(stage).Inc()
}

// RecordJobFailed reason: exhausted（重试耗尽）或 permanent（不可重试）
func (pm *PrometheusMetrics) RecordJobFailed(stage, reason string) {
	jobsFailedTotal.WithLabelValues(stage, reason).Inc()
}

// SetQueueDepth 设置各状态任务数量
func (pm *PrometheusMetrics) SetQueueDepth(waiting, active, completed, failed, delayed int64) {
	queueDepth.WithLabelValues("waiting").Set(float64(waiting))
	queueDepth.WithLabelValues("active").Set(float64(active))
	queueDepth.WithLabelValues("completed").Set(float64(completed))
	queueDepth.WithLabelValues("failed").Set(float64(failed))
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
}

// 机器人与周期

func (pm *PrometheusMetrics) SetBotRunning(running bool) {
	if running {
		botRunning.Set(1)
	} else {
		botRunning.Set(0)
	}
}

// RecordCycle status: started, completed, failed
func (pm *PrometheusMetrics) RecordCycle(status string) {
	cyclesTotal.WithLabelValues(status).Inc()
}

// 订单

// RecordOrder status: placed, rejected, failed
func (pm *PrometheusMetrics) RecordOrder(symbol, side, status string) {
	ordersTotal.WithLabelValues(symbol, side, status).Inc()
}

func (pm *PrometheusMetrics) RecordOrderDuration(symbol, side string, duration time.Duration) {
	orderDuration.WithLabelValues(symbol, side).Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) RecordTrade(symbol, side string, notional float64) {
	tradeNotional.WithLabelValues(symbol, side).Add(notional)
}

// 风控

func (pm *PrometheusMetrics) RecordRiskRejection(symbol, check string) {
	riskRejectionsTotal.WithLabelValues(symbol, check).Inc()
}

// RecordRiskTrigger trigger: stop_loss, take_profit, exposure
func (pm *PrometheusMetrics) RecordRiskTrigger(symbol, trigger string) {
	riskTriggersTotal.WithLabelValues(symbol, trigger).Inc()
}

func (pm *PrometheusMetrics) SetTradingHalted(halted bool) {
	if halted {
		tradingHalted.Set(1)
	} else {
		tradingHalted.Set(0)
	}
}

func (pm *PrometheusMetrics) SetPortfolioExposure(ratio float64) {
	portfolioExposure.Set(ratio)
}

// 持仓

func (pm *PrometheusMetrics) SetPosition(symbol string, marketValue, unrealizedPnL, realizedPnL float64) {
	positionMarketValue.WithLabelValues(symbol).Set(marketValue)
	positionUnrealizedPnL.WithLabelValues(symbol).Set(unrealizedPnL)
	realizedPnLTotal.WithLabelValues(symbol).Set(realizedPnL)
}

// ClearPosition 平仓后清除该品种的持仓指标
func (pm *PrometheusMetrics) ClearPosition(symbol string) {
	positionMarketValue.DeleteLabelValues(symbol)
	positionUnrealizedPnL.DeleteLabelValues(symbol)
}

// 系统

func (pm *PrometheusMetrics) SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

func (pm *PrometheusMetrics) SetMemoryAlloc(bytes uint64) {
	memoryAlloc.Set(float64(bytes))
}

func (pm *PrometheusMetrics) RecordGCPause(duration time.Duration) {
	gcPause.Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) SetProcessUsage(cpuPercent float64, rssBytes uint64) {
	processCPUPercent.Set(cpuPercent)
	processRSS.Set(float64(rssBytes))
}

// 锁

// RecordLockAcquire status: acquired, conflict, error
func (pm *PrometheusMetrics) RecordLockAcquire(scope, status string) {
	lockAcquireTotal.WithLabelValues(scope, status).Inc()
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
