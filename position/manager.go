package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"smartalpaca/logger"
	"smartalpaca/metrics"
)

// symbolBook 单个品种的持仓状态，mu 串行化该品种的全部写操作
type symbolBook struct {
	mu   sync.RWMutex
	open *Position
}

// Manager 持仓生命周期管理器
// 每个品种最多一个未平仓持仓；不同品种互不阻塞
type Manager struct {
	repo    Repository
	metrics *metrics.PrometheusMetrics

	mu    sync.Mutex
	books map[string]*symbolBook

	now        func() time.Time
	loc        *time.Location
	allowShort atomic.Bool
}

// NewManager 创建持仓管理器
func NewManager(repo Repository) *Manager {
	return &Manager{
		repo:    repo,
		metrics: metrics.GetPrometheusMetrics(),
		books:   make(map[string]*symbolBook),
		now:     time.Now,
		loc:     time.Local,
	}
}

// SetLocation 设置计算日内盈亏使用的时区
func (m *Manager) SetLocation(loc *time.Location) {
	if loc != nil {
		m.loc = loc
	}
}

// SetAllowShort 是否允许卖出开空或反手为空头，关闭时这类成交返回 ErrShortNotAllowed
func (m *Manager) SetAllowShort(allow bool) {
	m.allowShort.Store(allow)
}

// AllowShort 是否允许空头持仓
func (m *Manager) AllowShort() bool {
	return m.allowShort.Load()
}

func (m *Manager) book(symbol string) *symbolBook {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[symbol]
	if !ok {
		b = &symbolBook{}
		m.books[symbol] = b
	}
	return b
}

func (m *Manager) today(t time.Time) string {
	return t.In(m.loc).Format("2006-01-02")
}

// Load 从存储恢复未平仓持仓（启动时调用）
func (m *Manager) Load(ctx context.Context) (int, error) {
	positions, err := m.repo.LoadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("加载持仓失败: %w", err)
	}
	for _, p := range positions {
		b := m.book(p.Symbol)
		b.mu.Lock()
		if b.open != nil {
			logger.Warn("⚠️ [持仓] %s 存在多个未平仓记录，保留 %s，忽略 %s", p.Symbol, b.open.ID, p.ID)
		} else {
			b.open = p
			m.publish(p)
		}
		b.mu.Unlock()
	}
	if len(positions) > 0 {
		logger.Info("✅ [持仓] 已恢复 %d 个未平仓持仓", len(positions))
	}
	return len(positions), nil
}

// UpdatePosition 将一笔成交合并进品种持仓，返回更新后的持仓快照
// 无持仓时开仓；同向加仓按加权平均更新开仓价；反向成交减仓并累计已实现盈亏；
// 数量归零时平仓；反向超出时平掉原持仓并以剩余数量反向开仓
func (m *Manager) UpdatePosition(ctx context.Context, u PositionUpdate) (*Position, error) {
	if err := u.validate(); err != nil {
		return nil, err
	}
	ts := u.Timestamp
	if ts.IsZero() {
		ts = m.now()
	}
	price := u.Price.Round(priceScale)
	day := m.today(ts)
	signed := u.Quantity.Mul(u.Side.Sign())

	b := m.book(u.Symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	scope := logger.With(u.CorrelationID.String(), "position")

	if signed.IsNegative() && !m.allowShort.Load() {
		var held decimal.Decimal
		if b.open != nil {
			held = b.open.Quantity
		}
		if held.Add(signed).IsNegative() {
			scope.Error("❌ [持仓] %s 卖出 %s 超过持有 %s，未开启做空", u.Symbol, u.Quantity, held)
			return nil, fmt.Errorf("%w: %s sell %s exceeds held %s", ErrShortNotAllowed, u.Symbol, u.Quantity, held)
		}
	}

	if b.open == nil {
		p := m.newPosition(u, signed, price, ts, day)
		if err := m.repo.Save(ctx, p); err != nil {
			return nil, fmt.Errorf("保存持仓失败: %w", err)
		}
		b.open = p
		m.publish(p)
		scope.Info("📈 [持仓] 开仓 %s %s @ %s", p.Symbol, p.Quantity, p.AverageEntryPrice)
		return p.clone(), nil
	}

	cur := b.open.clone()
	cur.rollDay(day)
	cur.CurrentPrice = price
	cur.UpdatedAt = ts

	held := cur.Quantity
	if held.Sign() == signed.Sign() {
		// 同向加仓
		total := held.Add(signed)
		cost := held.Abs().Mul(cur.AverageEntryPrice).Add(signed.Abs().Mul(price))
		cur.AverageEntryPrice = cost.Div(total.Abs()).Round(entryScale)
		cur.Quantity = total
		cur.revalue()
		if err := m.repo.Save(ctx, cur); err != nil {
			return nil, fmt.Errorf("保存持仓失败: %w", err)
		}
		b.open = cur
		m.publish(cur)
		scope.Info("➕ [持仓] 加仓 %s -> %s，均价 %s", cur.Symbol, cur.Quantity, cur.AverageEntryPrice)
		return cur.clone(), nil
	}

	// 反向成交：先按平掉的数量实现盈亏
	closing := decimal.Min(signed.Abs(), held.Abs())
	pnl := price.Sub(cur.AverageEntryPrice).Mul(closing)
	if held.IsNegative() {
		pnl = pnl.Neg()
	}
	pnl = pnl.Round(moneyScale)
	cur.RealizedPnL = cur.RealizedPnL.Add(pnl)
	cur.dayRealizedPnL = cur.dayRealizedPnL.Add(pnl)
	remaining := held.Add(signed)

	if remaining.Sign() == held.Sign() {
		cur.Quantity = remaining
		cur.revalue()
		if err := m.repo.Save(ctx, cur); err != nil {
			return nil, fmt.Errorf("保存持仓失败: %w", err)
		}
		b.open = cur
		m.publish(cur)
		scope.Info("➖ [持仓] 减仓 %s -> %s，实现盈亏 %s", cur.Symbol, cur.Quantity, pnl)
		return cur.clone(), nil
	}

	// 归零或反手：原持仓平掉
	m.finalize(cur, ts)
	if err := m.repo.Save(ctx, cur); err != nil {
		return nil, fmt.Errorf("保存持仓失败: %w", err)
	}
	b.open = nil
	scope.Info("🏁 [持仓] 平仓 %s，已实现盈亏 %s", cur.Symbol, cur.RealizedPnL)

	if remaining.IsZero() {
		m.metrics.ClearPosition(cur.Symbol)
		return cur.clone(), nil
	}

	flipped := m.newPosition(u, remaining, price, ts, day)
	if err := m.repo.Save(ctx, flipped); err != nil {
		m.metrics.ClearPosition(cur.Symbol)
		return nil, fmt.Errorf("保存反手持仓失败: %w", err)
	}
	b.open = flipped
	m.publish(flipped)
	scope.Info("🔄 [持仓] 反手 %s %s @ %s", flipped.Symbol, flipped.Quantity, flipped.AverageEntryPrice)
	return flipped.clone(), nil
}

func (m *Manager) newPosition(u PositionUpdate, signed, price decimal.Decimal, ts time.Time, day string) *Position {
	p := &Position{
		ID:                uuid.NewString(),
		Symbol:            u.Symbol,
		Quantity:          signed,
		AverageEntryPrice: price.Round(entryScale),
		CurrentPrice:      price,
		RealizedPnL:       decimal.Zero,
		IsOpen:            true,
		StrategyName:      u.StrategyName,
		CorrelationID:     u.CorrelationID,
		OpenedAt:          ts,
		UpdatedAt:         ts,
		dayDate:           day,
		dayStartPnL:       decimal.Zero,
		dayRealizedPnL:    decimal.Zero,
	}
	p.revalue()
	return p
}

// finalize 平仓：浮动盈亏已在调用前实现，数量归零
func (m *Manager) finalize(p *Position, ts time.Time) {
	p.Quantity = decimal.Zero
	p.IsOpen = false
	closedAt := ts
	p.ClosedAt = &closedAt
	p.UpdatedAt = ts
	p.revalue()
}

// RefreshPrice 用最新价格重估持仓
func (m *Manager) RefreshPrice(ctx context.Context, symbol string, price decimal.Decimal) (*Position, error) {
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidUpdate)
	}
	b := m.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open == nil {
		return nil, ErrPositionNotOpen
	}
	now := m.now()
	cur := b.open.clone()
	cur.rollDay(m.today(now))
	cur.CurrentPrice = price.Round(priceScale)
	cur.UpdatedAt = now
	cur.revalue()
	if err := m.repo.Save(ctx, cur); err != nil {
		return nil, fmt.Errorf("保存持仓失败: %w", err)
	}
	b.open = cur
	m.publish(cur)
	return cur.clone(), nil
}

// ClosePosition 按当前价平掉品种持仓，浮动盈亏计入已实现盈亏
// 没有未平仓持仓时返回 ErrPositionNotOpen
func (m *Manager) ClosePosition(ctx context.Context, symbol string) (*Position, error) {
	b := m.book(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotOpen, symbol)
	}
	now := m.now()
	cur := b.open.clone()
	cur.rollDay(m.today(now))
	realized := cur.UnrealizedPnL.Round(moneyScale)
	cur.RealizedPnL = cur.RealizedPnL.Add(realized)
	cur.dayRealizedPnL = cur.dayRealizedPnL.Add(realized)
	m.finalize(cur, now)
	if err := m.repo.Save(ctx, cur); err != nil {
		return nil, fmt.Errorf("保存持仓失败: %w", err)
	}
	b.open = nil
	m.metrics.ClearPosition(symbol)
	logger.With(cur.CorrelationID.String(), "position").Info("🏁 [持仓] 手动平仓 %s，已实现盈亏 %s", symbol, cur.RealizedPnL)
	return cur.clone(), nil
}

// CalculatePositionMetrics 返回品种未平仓持仓的指标，无持仓时返回 nil
func (m *Manager) CalculatePositionMetrics(symbol string) *Metrics {
	b := m.book(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.open == nil {
		return nil
	}
	return metricsOf(b.open)
}

// Snapshot 返回品种未平仓持仓的副本
func (m *Manager) Snapshot(symbol string) (*Position, bool) {
	b := m.book(symbol)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.open == nil {
		return nil, false
	}
	return b.open.clone(), true
}

// OpenPositions 返回全部未平仓持仓的副本，按品种排序
func (m *Manager) OpenPositions() []*Position {
	m.mu.Lock()
	books := make([]*symbolBook, 0, len(m.books))
	for _, b := range m.books {
		books = append(books, b)
	}
	m.mu.Unlock()

	var out []*Position
	for _, b := range books {
		b.mu.RLock()
		if b.open != nil {
			out = append(out, b.open.clone())
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// History 品种的全部持仓记录（含已平仓）
func (m *Manager) History(ctx context.Context, symbol string) ([]*Position, error) {
	return m.repo.History(ctx, symbol)
}

func (m *Manager) publish(p *Position) {
	m.metrics.SetPosition(p.Symbol,
		p.MarketValue.InexactFloat64(),
		p.UnrealizedPnL.InexactFloat64(),
		p.RealizedPnL.InexactFloat64())
}
