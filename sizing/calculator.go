package sizing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMissingAccount 没有账户快照时不能计算仓位
	ErrMissingAccount = errors.New("account snapshot is required")
	// ErrInvalidPrice 价格必须为正
	ErrInvalidPrice = errors.New("price must be positive")
	// ErrInsufficientFunds 现金不足以买入 1 股
	ErrInsufficientFunds = errors.New("insufficient cash for a single share")
)

var hundred = decimal.NewFromInt(100)

// AccountSnapshot 账户快照
type AccountSnapshot struct {
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	Cash           decimal.Decimal `json:"cash"`
}

// AccountProvider 账户快照来源
type AccountProvider interface {
	AccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
}

// Calculator 仓位计算器，无副作用
type Calculator struct {
	DefaultShares int64 // FallbackPolicy 的固定股数
}

// NewCalculator 创建计算器，defaultShares <= 0 时使用 100
func NewCalculator(defaultShares int64) *Calculator {
	if defaultShares <= 0 {
		defaultShares = 100
	}
	return &Calculator{DefaultShares: defaultShares}
}

// Size 计算股数
// 结果至少 1 股，并且 shares * price 不超过可用现金；现金连 1 股都买不起时返回 ErrInsufficientFunds
func (c *Calculator) Size(symbol string, policy Policy, price decimal.Decimal, account *AccountSnapshot) (int64, error) {
	if account == nil {
		return 0, ErrMissingAccount
	}
	if !price.IsPositive() {
		return 0, ErrInvalidPrice
	}

	affordable := decimal.Zero
	if account.Cash.IsPositive() {
		affordable = account.Cash.Div(price).Floor()
	}
	if affordable.LessThan(decimal.NewFromInt(1)) {
		return 0, ErrInsufficientFunds
	}

	shares := c.raw(policy, price, account)

	// 有分配但因单价过高取整为 0 时至少买 1 股
	if shares.LessThan(decimal.NewFromInt(1)) {
		shares = decimal.NewFromInt(1)
	}
	if shares.GreaterThan(affordable) {
		shares = affordable
	}
	return shares.IntPart(), nil
}

// raw 规则公式的结果（向下取整，未做后处理）
func (c *Calculator) raw(policy Policy, price decimal.Decimal, account *AccountSnapshot) decimal.Decimal {
	switch p := policy.(type) {
	case MaxPositionPolicy:
		return p.Cap.Div(price).Floor()
	case RiskBasedPolicy:
		riskAmount := account.Cash.Mul(p.RiskPerTrade).Div(hundred)
		perShareRisk := price.Mul(p.StopLossPercent).Div(hundred)
		if !perShareRisk.IsPositive() {
			return decimal.NewFromInt(c.DefaultShares)
		}
		return riskAmount.Div(perShareRisk).Floor()
	case PortfolioPolicy:
		return account.PortfolioValue.Mul(p.Percentage).Div(hundred).Div(price).Floor()
	default:
		return decimal.NewFromInt(c.DefaultShares)
	}
}
