package paper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/execution"
	"smartalpaca/logger"
	"smartalpaca/order"
	"smartalpaca/sizing"
)

var (
	// ErrInsufficientBuyingPower 现金不足以买入
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")
	// ErrLimitNotMarketable 限价单当前价格无法成交
	ErrLimitNotMarketable = errors.New("limit price not marketable")
)

// PriceSource 成交价格来源
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Broker 模拟券商：按最新价全部成交，同一个客户端订单ID只成交一次
type Broker struct {
	prices PriceSource
	now    func() time.Time

	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal // 带符号数量，空头为负
	fills    map[string]order.Fill      // 按客户端订单ID
	seq      int
}

// NewBroker 创建模拟券商
func NewBroker(prices PriceSource, initialCash decimal.Decimal) *Broker {
	return &Broker{
		prices:   prices,
		now:      time.Now,
		cash:     initialCash,
		holdings: make(map[string]decimal.Decimal),
		fills:    make(map[string]order.Fill),
	}
}

// PlaceOrder 下单并立即成交
func (b *Broker) PlaceOrder(ctx context.Context, req order.OrderRequest) (*order.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	price, err := b.prices.CurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("获取成交价失败: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if req.ClientOrderID != "" {
		if f, ok := b.fills[req.ClientOrderID]; ok {
			logger.Debug("[模拟盘] 重复订单 %s，返回已有成交 %s", req.ClientOrderID, f.OrderID)
			return &f, nil
		}
	}

	if req.Type == order.Limit {
		switch {
		case req.Side == execution.Buy && price.GreaterThan(req.LimitPrice),
			req.Side == execution.Sell && price.LessThan(req.LimitPrice):
			return nil, fmt.Errorf("%w: %s %s limit %s, last %s", ErrLimitNotMarketable, req.Side, req.Symbol, req.LimitPrice, price)
		}
	}

	notional := req.Quantity.Mul(price)
	switch req.Side {
	case execution.Buy:
		if notional.GreaterThan(b.cash) {
			return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientBuyingPower, notional.StringFixed(2), b.cash.StringFixed(2))
		}
		b.cash = b.cash.Sub(notional)
	case execution.Sell:
		b.cash = b.cash.Add(notional)
	default:
		return nil, fmt.Errorf("unknown side %q", req.Side)
	}
	held := b.holdings[req.Symbol].Add(req.Quantity.Mul(req.Side.Sign()))
	if held.IsZero() {
		delete(b.holdings, req.Symbol)
	} else {
		b.holdings[req.Symbol] = held
	}

	b.seq++
	f := order.Fill{
		OrderID:       fmt.Sprintf("paper-%d", b.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		FilledQty:     req.Quantity,
		FilledPrice:   price,
		FilledAt:      b.now(),
	}
	if req.ClientOrderID != "" {
		b.fills[req.ClientOrderID] = f
	}
	logger.Info("💰 [模拟盘] 成交 %s %s x %s @ %s，现金 %s", f.Side, f.Symbol, f.FilledQty, f.FilledPrice, b.cash.StringFixed(2))
	return &f, nil
}

// AccountSnapshot 账户快照：组合价值 = 现金 + 持仓市值（空头为负）
func (b *Broker) AccountSnapshot(ctx context.Context) (*sizing.AccountSnapshot, error) {
	b.mu.Lock()
	cash := b.cash
	holdings := make(map[string]decimal.Decimal, len(b.holdings))
	for s, q := range b.holdings {
		holdings[s] = q
	}
	b.mu.Unlock()

	value := cash
	for symbol, qty := range holdings {
		price, err := b.prices.CurrentPrice(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("获取 %s 价格失败: %w", symbol, err)
		}
		value = value.Add(qty.Mul(price))
	}
	return &sizing.AccountSnapshot{PortfolioValue: value.Round(2), Cash: cash.Round(2)}, nil
}

// Holding 品种持仓数量
func (b *Broker) Holding(symbol string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.holdings[symbol]
}

// Holdings 所有非零持仓的快照
func (b *Broker) Holdings(ctx context.Context) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(b.holdings))
	for symbol, qty := range b.holdings {
		if !qty.IsZero() {
			out[symbol] = qty
		}
	}
	return out, nil
}
