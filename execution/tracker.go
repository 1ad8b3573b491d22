package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"smartalpaca/correlation"
	"smartalpaca/logger"
	"smartalpaca/metrics"
)

// Analytics 成交统计，每次按需重新计算
type Analytics struct {
	Symbol       string          `json:"symbol"`
	TotalTrades  int             `json:"total_trades"`
	Volume       decimal.Decimal `json:"volume"` // Σ quantity * price
	BuyQuantity  decimal.Decimal `json:"buy_quantity"`
	SellQuantity decimal.Decimal `json:"sell_quantity"`
	AveragePrice decimal.Decimal `json:"average_price"` // 成交量加权均价
}

// Tracker 成交跟踪器
type Tracker struct {
	repo    Repository
	metrics *metrics.PrometheusMetrics
}

// NewTracker 创建成交跟踪器
func NewTracker(repo Repository) *Tracker {
	return &Tracker{repo: repo, metrics: metrics.GetPrometheusMetrics()}
}

// TrackExecution 记录成交，同一 ExecutionID 重复记录时忽略并返回 false
func (t *Tracker) TrackExecution(ctx context.Context, exec TradeExecution) (bool, error) {
	if err := exec.Validate(); err != nil {
		return false, err
	}
	inserted, err := t.repo.Append(ctx, exec)
	if err != nil {
		return false, fmt.Errorf("保存成交记录失败: %w", err)
	}

	scope := logger.With(exec.CorrelationID.String(), "execution")
	if !inserted {
		scope.Debug("成交 %s 已记录，忽略重复", exec.ExecutionID)
		return false, nil
	}
	t.metrics.RecordTrade(exec.Symbol, string(exec.Side), exec.Notional().InexactFloat64())
	scope.Info("📝 记录成交 %s %s %s x %s @ %s", exec.ExecutionID, exec.Symbol, exec.Side, exec.Quantity, exec.Price)
	return true, nil
}

// GetExecutionHistory 按插入顺序返回品种的全部成交
func (t *Tracker) GetExecutionHistory(ctx context.Context, symbol string) ([]TradeExecution, error) {
	return t.repo.BySymbol(ctx, symbol)
}

// GetByCorrelation 返回某个交易周期产生的成交
func (t *Tracker) GetByCorrelation(ctx context.Context, cid correlation.ID) ([]TradeExecution, error) {
	return t.repo.ByCorrelation(ctx, cid)
}

// CalculateExecutionAnalytics 计算品种的成交统计
func (t *Tracker) CalculateExecutionAnalytics(ctx context.Context, symbol string) (Analytics, error) {
	history, err := t.repo.BySymbol(ctx, symbol)
	if err != nil {
		return Analytics{}, err
	}

	a := Analytics{
		Symbol:       symbol,
		TotalTrades:  len(history),
		Volume:       decimal.Zero,
		BuyQuantity:  decimal.Zero,
		SellQuantity: decimal.Zero,
		AveragePrice: decimal.Zero,
	}
	totalQty := decimal.Zero
	for _, e := range history {
		a.Volume = a.Volume.Add(e.Notional())
		totalQty = totalQty.Add(e.Quantity)
		if e.Side == Buy {
			a.BuyQuantity = a.BuyQuantity.Add(e.Quantity)
		} else {
			a.SellQuantity = a.SellQuantity.Add(e.Quantity)
		}
	}
	if totalQty.IsPositive() {
		a.AveragePrice = a.Volume.Div(totalQty).Round(4)
	}
	return a, nil
}

// CalculateRiskMetrics 计算品种成交历史的风险指标
func (t *Tracker) CalculateRiskMetrics(ctx context.Context, symbol string, initialCapital decimal.Decimal, benchmarkReturns []float64) (RiskMetrics, error) {
	history, err := t.repo.BySymbol(ctx, symbol)
	if err != nil {
		return RiskMetrics{}, err
	}
	return CalculateRiskMetrics(history, initialCapital, benchmarkReturns), nil
}
