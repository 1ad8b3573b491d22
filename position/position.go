package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/correlation"
	"smartalpaca/execution"
)

var (
	// ErrPositionNotOpen 品种没有未平仓持仓
	ErrPositionNotOpen = errors.New("position not open")
	// ErrInvalidUpdate 持仓更新字段不合法
	ErrInvalidUpdate = errors.New("invalid position update")
	// ErrShortNotAllowed 未开启做空时卖出超过持有数量
	ErrShortNotAllowed = errors.New("short position not allowed")
)

const (
	priceScale = 2
	moneyScale = 2
	entryScale = 4
)

var hundred = decimal.NewFromInt(100)

// PositionUpdate 一笔成交对持仓的影响
type PositionUpdate struct {
	Symbol        string          `json:"symbol"`
	Side          execution.Side  `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExecutionID   string          `json:"execution_id"`
	CorrelationID correlation.ID  `json:"correlation_id"`
	StrategyName  string          `json:"strategy_name"`
	Timestamp     time.Time       `json:"timestamp"`
}

// FromExecution 由成交记录生成持仓更新
func FromExecution(e execution.TradeExecution) PositionUpdate {
	return PositionUpdate{
		Symbol:        e.Symbol,
		Side:          e.Side,
		Quantity:      e.Quantity,
		Price:         e.Price,
		ExecutionID:   e.ExecutionID,
		CorrelationID: e.CorrelationID,
		StrategyName:  e.StrategyName,
		Timestamp:     e.ExecutedAt,
	}
}

func (u PositionUpdate) validate() error {
	switch {
	case u.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidUpdate)
	case u.Side != execution.Buy && u.Side != execution.Sell:
		return fmt.Errorf("%w: side %q", ErrInvalidUpdate, u.Side)
	case !u.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidUpdate)
	case !u.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidUpdate)
	}
	return nil
}

// Position 单个品种的持仓
// Quantity 带符号：多头为正，空头为负
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	MarketValue       decimal.Decimal `json:"market_value"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	DayPnL            decimal.Decimal `json:"day_pnl"`
	IsOpen            bool            `json:"is_open"`
	StrategyName      string          `json:"strategy_name"`
	CorrelationID     correlation.ID  `json:"correlation_id"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`

	// 日内盈亏基准
	dayDate        string
	dayStartPnL    decimal.Decimal
	dayRealizedPnL decimal.Decimal
}

// Side 持仓方向
func (p *Position) Side() execution.Side {
	if p.Quantity.IsNegative() {
		return execution.Sell
	}
	return execution.Buy
}

// CostBasis 持仓成本 |quantity| * averageEntryPrice
func (p *Position) CostBasis() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AverageEntryPrice)
}

// revalue 按当前价重算估值，保证 marketValue 与 unrealizedPnL 恒等式精确成立
func (p *Position) revalue() {
	p.MarketValue = p.Quantity.Mul(p.CurrentPrice)
	p.UnrealizedPnL = p.MarketValue.Sub(p.Quantity.Mul(p.AverageEntryPrice))
	p.DayPnL = p.dayRealizedPnL.Add(p.UnrealizedPnL).Sub(p.dayStartPnL)
}

// rollDay 跨日时以当前浮动盈亏作为新一天的基准
func (p *Position) rollDay(day string) {
	if p.dayDate == day {
		return
	}
	p.dayDate = day
	p.dayStartPnL = p.UnrealizedPnL
	p.dayRealizedPnL = decimal.Zero
}

func (p *Position) clone() *Position {
	c := *p
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// Metrics 持仓实时指标
type Metrics struct {
	Symbol            string          `json:"symbol"`
	StrategyName      string          `json:"strategy_name"`
	Side              execution.Side  `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	MarketValue       decimal.Decimal `json:"market_value"`
	CostBasis         decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	DayPnL            decimal.Decimal `json:"day_pnl"`
	// ReturnOnInvestment (current - entry) / entry * 100，保留 2 位，空头取反
	ReturnOnInvestment decimal.Decimal `json:"return_on_investment"`
	// UnrealizedPnLPercent 未取整的浮动盈亏百分比，风控阈值比较用
	UnrealizedPnLPercent decimal.Decimal `json:"unrealized_pnl_percent"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func metricsOf(p *Position) *Metrics {
	m := &Metrics{
		Symbol:               p.Symbol,
		StrategyName:         p.StrategyName,
		Side:                 p.Side(),
		Quantity:             p.Quantity,
		AverageEntryPrice:    p.AverageEntryPrice,
		CurrentPrice:         p.CurrentPrice,
		MarketValue:          p.MarketValue,
		CostBasis:            p.CostBasis(),
		UnrealizedPnL:        p.UnrealizedPnL,
		RealizedPnL:          p.RealizedPnL,
		DayPnL:               p.DayPnL,
		ReturnOnInvestment:   decimal.Zero,
		UnrealizedPnLPercent: decimal.Zero,
		UpdatedAt:            p.UpdatedAt,
	}
	if p.AverageEntryPrice.IsPositive() {
		roi := p.CurrentPrice.Sub(p.AverageEntryPrice).Div(p.AverageEntryPrice).Mul(hundred)
		if p.Quantity.IsNegative() {
			roi = roi.Neg()
		}
		m.ReturnOnInvestment = roi.Round(2)
	}
	if cost := m.CostBasis; cost.IsPositive() {
		m.UnrealizedPnLPercent = p.UnrealizedPnL.Div(cost).Mul(hundred)
	}
	return m
}
