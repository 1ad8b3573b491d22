// Package safety 持仓对账：本地持仓账本和券商持仓定期比对
package safety

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/database"
	"smartalpaca/event"
	"smartalpaca/lock"
	"smartalpaca/logger"
	"smartalpaca/metrics"
	"smartalpaca/position"
	"smartalpaca/utils"
)

// PositionSource 本地持仓账本
type PositionSource interface {
	OpenPositions() []*position.Position
}

// HoldingsSource 券商持仓（带符号数量）
type HoldingsSource interface {
	Holdings(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Recorder 对账差异落库
type Recorder interface {
	SaveRiskCheck(ctx context.Context, check *database.RiskCheck) error
}

// Drift 单个品种的持仓差异
type Drift struct {
	Symbol string          `json:"symbol"`
	Local  decimal.Decimal `json:"local"`
	Broker decimal.Decimal `json:"broker"`
	Diff   decimal.Decimal `json:"diff"` // local - broker
}

// Report 一次对账结果
type Report struct {
	At      time.Time `json:"at"`
	Checked int       `json:"checked"`
	// Drifts 连续两次对账都存在的差异；只出现一次的可能是成交后持仓尚未更新
	Drifts  []Drift `json:"drifts"`
	Pending int     `json:"pending"`
	Skipped bool    `json:"skipped"` // 其他实例正在对账
}

// Reconciler 持仓对账器
type Reconciler struct {
	positions PositionSource
	broker    HoldingsSource
	lock      lock.DistributedLock
	recorder  Recorder // 可为 nil
	events    event.Publisher
	metrics   *metrics.PrometheusMetrics
	interval  time.Duration

	mu       sync.Mutex
	pending  map[string]decimal.Decimal // 上次发现的差异
	reported map[string]decimal.Decimal // 已上报过的差异，避免重复告警
	count    int64
	last     *Report
}

// NewReconciler 创建对账器，lock、recorder、events 可为 nil
func NewReconciler(positions PositionSource, broker HoldingsSource, distributedLock lock.DistributedLock, recorder Recorder, events event.Publisher, interval time.Duration) *Reconciler {
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	if events == nil {
		events = event.NopPublisher{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		positions: positions,
		broker:    broker,
		lock:      distributedLock,
		recorder:  recorder,
		events:    events,
		metrics:   metrics.GetPrometheusMetrics(),
		interval:  interval,
		pending:   make(map[string]decimal.Decimal),
		reported:  make(map[string]decimal.Decimal),
	}
}

// Start 启动对账协程，ctx 取消后退出
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("⏹️ 持仓对账协程已停止")
				return
			case <-ticker.C:
				if _, err := r.Reconcile(ctx); err != nil {
					logger.Error("❌ [对账失败] %v", err)
				}
			}
		}
	}()
	logger.Info("✅ 持仓对账已启动 (间隔: %s)", r.interval)
}

// Reconcile 执行一次对账
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	ok, err := r.lock.TryLock(ctx, lock.ReconcileKey, r.interval)
	if err != nil {
		logger.Warn("⚠️ 获取对账锁失败: %v，本次不加锁执行", err)
	} else if !ok {
		logger.Debug("⏳ [对账] 其他实例正在对账，跳过")
		return &Report{At: utils.NowUTC(), Skipped: true}, nil
	} else {
		defer func() {
			if unlockErr := r.lock.Unlock(context.Background(), lock.ReconcileKey); unlockErr != nil {
				logger.Warn("⚠️ 释放对账锁失败: %v", unlockErr)
			}
		}()
	}

	holdings, err := r.broker.Holdings(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询券商持仓失败: %w", err)
	}

	local := make(map[string]decimal.Decimal)
	for _, p := range r.positions.OpenPositions() {
		local[p.Symbol] = local[p.Symbol].Add(p.Quantity)
	}

	symbols := make(map[string]struct{}, len(local)+len(holdings))
	for s := range local {
		symbols[s] = struct{}{}
	}
	for s := range holdings {
		symbols[s] = struct{}{}
	}
	sorted := make([]string, 0, len(symbols))
	for s := range symbols {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)

	report := &Report{At: utils.NowUTC(), Checked: len(sorted), Drifts: []Drift{}}
	var fresh []Drift

	r.mu.Lock()
	seen := make(map[string]decimal.Decimal)
	for _, symbol := range sorted {
		diff := local[symbol].Sub(holdings[symbol])
		if diff.IsZero() {
			delete(r.reported, symbol)
			continue
		}
		seen[symbol] = diff
		prev, wasPending := r.pending[symbol]
		if !wasPending || !prev.Equal(diff) {
			report.Pending++
			continue
		}
		d := Drift{Symbol: symbol, Local: local[symbol], Broker: holdings[symbol], Diff: diff}
		report.Drifts = append(report.Drifts, d)
		if reported, ok := r.reported[symbol]; !ok || !reported.Equal(diff) {
			r.reported[symbol] = diff
			fresh = append(fresh, d)
		}
	}
	for symbol := range r.reported {
		if _, ok := seen[symbol]; !ok {
			delete(r.reported, symbol)
		}
	}
	r.pending = seen
	r.count++
	r.last = report
	count := r.count
	r.mu.Unlock()

	for _, d := range fresh {
		r.reportDrift(ctx, d)
	}

	if len(report.Drifts) == 0 {
		logger.Debug("✅ [对账完成] 第 %d 次，%d 个品种一致", count, report.Checked)
	} else {
		logger.Warn("⚠️ [对账完成] 第 %d 次，%d 个品种中 %d 个不一致", count, report.Checked, len(report.Drifts))
	}
	return report, nil
}

func (r *Reconciler) reportDrift(ctx context.Context, d Drift) {
	logger.Error("❌ [%s] 持仓不一致: 本地 %s, 券商 %s, 差异 %s", d.Symbol, d.Local, d.Broker, d.Diff)
	r.metrics.RecordRiskTrigger(d.Symbol, "reconcile_drift")

	if r.recorder != nil {
		rc := &database.RiskCheck{
			Symbol:   d.Symbol,
			Kind:     "reconcile",
			Approved: false,
			Reason:   fmt.Sprintf("local %s != broker %s", d.Local, d.Broker),
		}
		if err := r.recorder.SaveRiskCheck(ctx, rc); err != nil {
			logger.Warn("⚠️ 保存对账记录失败: %v", err)
		}
	}

	r.events.Publish(&event.Event{
		Type:      event.EventTypeReconcileDrift,
		Timestamp: utils.NowUTC(),
		Data: map[string]interface{}{
			"symbol": d.Symbol,
			"local":  d.Local.String(),
			"broker": d.Broker.String(),
			"diff":   d.Diff.String(),
		},
	})
}

// LastReport 最近一次对账结果，未对账时为 nil
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Count 已完成的对账次数
func (r *Reconciler) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
