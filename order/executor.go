package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"smartalpaca/config"
	"smartalpaca/lock"
	"smartalpaca/logger"
	"smartalpaca/metrics"
)

// ExecutorConfig 下单执行器配置
type ExecutorConfig struct {
	RateLimit float64       // 每秒下单数
	Burst     int           // 突发数
	Timeout   time.Duration // 单次下单超时
	LockTTL   time.Duration // 品种下单锁过期时间
}

// ExecutorConfigFrom 从系统配置读取
func ExecutorConfigFrom(cfg *config.Config) ExecutorConfig {
	return ExecutorConfig{
		RateLimit: cfg.Order.RateLimit,
		Burst:     cfg.Order.Burst,
		Timeout:   time.Duration(cfg.Order.TimeoutSeconds) * time.Second,
		LockTTL:   time.Duration(cfg.Order.LockTTLSeconds) * time.Second,
	}
}

// Executor 下单执行器：校验、品种锁、限流、超时
type Executor struct {
	broker      Broker
	lock        lock.DistributedLock
	rateLimiter *rate.Limiter
	timeout     time.Duration
	lockTTL     time.Duration
}

// NewExecutor 创建下单执行器，distributedLock 为 nil 时不加锁
func NewExecutor(broker Broker, distributedLock lock.DistributedLock, cfg ExecutorConfig) *Executor {
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Executor{
		broker:      broker,
		lock:        distributedLock,
		rateLimiter: rate.NewLimiter(limitFor(cfg.RateLimit), burst),
		timeout:     cfg.Timeout,
		lockTTL:     cfg.LockTTL,
	}
}

// limitFor 每秒下单数，<= 0 表示不限流
func limitFor(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// OnConfigChange 热更新限流参数
func (e *Executor) OnConfigChange(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if diff != nil && !diff.Has("order") {
		return nil
	}
	c := ExecutorConfigFrom(newCfg)
	e.rateLimiter.SetLimit(limitFor(c.RateLimit))
	if c.Burst > 0 {
		e.rateLimiter.SetBurst(c.Burst)
	}
	logger.Info("🔄 [下单] 限流已更新: %.1f/s, 突发 %d", c.RateLimit, c.Burst)
	return nil
}

// Place 下单
// 请求不合法时返回 *InvalidOrderError（未调用券商）；券商调用失败时返回 *PlacementError
func (e *Executor) Place(ctx context.Context, req OrderRequest) (*Fill, error) {
	pm := metrics.GetPrometheusMetrics()
	scope := logger.With(req.CorrelationID.String(), "execution")

	if err := req.Validate(); err != nil {
		pm.RecordOrder(req.Symbol, string(req.Side), "rejected")
		scope.Warn("⚠️ [下单] 请求被拒绝: %v", err)
		return nil, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	// 同一品种串行下单（多实例时由 Redis 锁保证）
	lockKey := lock.OrderKey(req.Symbol)
	lockCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.lock.Lock(lockCtx, lockKey, e.lockTTL); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pm.RecordLockAcquire("order", "failed")
		scope.Warn("⚠️ [下单] 获取品种锁失败: %v，继续下单", err)
	} else {
		pm.RecordLockAcquire("order", "acquired")
		defer func() {
			if err := e.lock.Unlock(context.Background(), lockKey); err != nil && !errors.Is(err, lock.ErrNotHeld) {
				scope.Warn("⚠️ [下单] 释放品种锁失败: %v", err)
			}
		}()
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	start := time.Now()
	callCtx, callCancel := context.WithTimeout(ctx, e.timeout)
	defer callCancel()

	fill, err := e.broker.PlaceOrder(callCtx, req)
	pm.RecordOrderDuration(req.Symbol, string(req.Side), time.Since(start))
	if err == nil {
		err = checkFill(fill)
	}
	if err != nil {
		pm.RecordOrder(req.Symbol, string(req.Side), "failed")
		scope.Error("❌ [下单] %s %s %s 失败: %v", req.Side, req.Quantity, req.Symbol, err)
		return nil, &PlacementError{Symbol: req.Symbol, ClientOrderID: req.ClientOrderID, Err: err}
	}
	if fill.ClientOrderID == "" {
		fill.ClientOrderID = req.ClientOrderID
	}
	if fill.Symbol == "" {
		fill.Symbol = req.Symbol
	}
	if fill.Side == "" {
		fill.Side = req.Side
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = time.Now()
	}

	pm.RecordOrder(req.Symbol, string(req.Side), "filled")
	scope.Info("✅ [下单] 成交 %s %s x %s @ %s 订单ID: %s", fill.Side, fill.Symbol, fill.FilledQty, fill.FilledPrice, fill.OrderID)
	return fill, nil
}

func checkFill(f *Fill) error {
	switch {
	case f == nil:
		return errors.New("broker returned no fill")
	case f.OrderID == "":
		return errors.New("fill has no order id")
	case !f.FilledQty.IsPositive():
		return errors.New("fill quantity must be positive")
	case !f.FilledPrice.IsPositive():
		return errors.New("fill price must be positive")
	}
	return nil
}
