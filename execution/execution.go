package execution

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/correlation"
)

// Side 买卖方向
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide 解析方向（不区分大小写）
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	default:
		return "", fmt.Errorf("invalid side: %q", s)
	}
}

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Sign 买入 +1，卖出 -1
func (s Side) Sign() decimal.Decimal {
	if s == Sell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// TradeExecution 成交记录，写入后不可变
type TradeExecution struct {
	ExecutionID   string          `json:"execution_id"`
	OrderID       string          `json:"order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	ExecutedAt    time.Time       `json:"executed_at"`
	CorrelationID correlation.ID  `json:"correlation_id"`
	StrategyName  string          `json:"strategy_name"`
}

// ErrInvalidExecution 成交记录字段不合法
var ErrInvalidExecution = errors.New("invalid execution")

// Validate 校验字段
func (e TradeExecution) Validate() error {
	switch {
	case e.ExecutionID == "":
		return fmt.Errorf("%w: execution id is required", ErrInvalidExecution)
	case e.Symbol == "":
		return fmt.Errorf("%w: symbol is required", ErrInvalidExecution)
	case e.Side != Buy && e.Side != Sell:
		return fmt.Errorf("%w: side %q", ErrInvalidExecution, e.Side)
	case !e.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidExecution)
	case !e.Price.IsPositive():
		return fmt.Errorf("%w: price must be positive", ErrInvalidExecution)
	case e.ExecutedAt.IsZero():
		return fmt.Errorf("%w: executed_at is required", ErrInvalidExecution)
	}
	return nil
}

// Notional 成交额 quantity * price
func (e TradeExecution) Notional() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}
