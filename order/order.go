package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/correlation"
	"smartalpaca/execution"
)

// OrderType 订单类型
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          execution.Side  `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Type          OrderType       `json:"type"`
	LimitPrice    decimal.Decimal `json:"limit_price"` // 仅限价单
	CorrelationID correlation.ID  `json:"correlation_id"`
	ClientOrderID string          `json:"client_order_id"`
	StrategyName  string          `json:"strategy_name"`
}

// Fill 成交回报
type Fill struct {
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          execution.Side  `json:"side"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FilledPrice   decimal.Decimal `json:"filled_price"`
	FilledAt      time.Time       `json:"filled_at"`
}

// Broker 下单能力（由外部实现）
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error)
}

// InvalidOrderError 请求在调用券商之前被拒绝（从未尝试）
type InvalidOrderError struct {
	Field  string
	Reason string
}

func (e *InvalidOrderError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// PlacementError 已调用券商但失败
type PlacementError struct {
	Symbol        string
	ClientOrderID string
	Err           error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("order placement failed for %s (%s): %v", e.Symbol, e.ClientOrderID, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}

// Validate 校验下单请求
func (r *OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return &InvalidOrderError{Field: "symbol", Reason: "is required"}
	}
	if r.Side != execution.Buy && r.Side != execution.Sell {
		return &InvalidOrderError{Field: "side", Reason: fmt.Sprintf("%q is not buy or sell", r.Side)}
	}
	if !r.Quantity.IsPositive() {
		return &InvalidOrderError{Field: "quantity", Reason: "must be positive"}
	}
	switch r.Type {
	case Market:
	case Limit:
		if !r.LimitPrice.IsPositive() {
			return &InvalidOrderError{Field: "limit_price", Reason: "must be positive for limit orders"}
		}
	default:
		return &InvalidOrderError{Field: "type", Reason: fmt.Sprintf("%q is not market or limit", r.Type)}
	}
	return nil
}

// Execution 由成交回报生成成交记录，每个订单一笔成交，同一订单重复回报时 ExecutionID 相同
func (f *Fill) Execution(req OrderRequest) execution.TradeExecution {
	return execution.TradeExecution{
		ExecutionID:   "exe-" + f.OrderID,
		OrderID:       f.OrderID,
		Symbol:        f.Symbol,
		Side:          f.Side,
		Quantity:      f.FilledQty,
		Price:         f.FilledPrice,
		ExecutedAt:    f.FilledAt,
		CorrelationID: req.CorrelationID,
		StrategyName:  req.StrategyName,
	}
}
