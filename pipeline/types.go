package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/execution"
	"smartalpaca/order"
	"smartalpaca/risk"
	"smartalpaca/sizing"
)

// MarketAnalyzer 市场扫描能力
type MarketAnalyzer interface {
	AnalyzeMarket(ctx context.Context, symbols []string) (*MarketAnalysis, error)
}

// AssetSelector 资产筛选能力
type AssetSelector interface {
	SelectAssets(ctx context.Context, analysis *MarketAnalysis) (*AssetSelection, error)
}

// StrategyGenerator 策略生成能力
type StrategyGenerator interface {
	GenerateStrategies(ctx context.Context, selection *AssetSelection) (*StrategySet, error)
}

// BacktestValidator 回测验证能力
type BacktestValidator interface {
	ValidateStrategies(ctx context.Context, set *StrategySet) (*ValidationResult, error)
}

// PriceProvider 实时价格
type PriceProvider interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// ScanRequest market_scan 阶段输入
type ScanRequest struct {
	Symbols []string `json:"symbols"`
}

// SymbolAnalysis 单个品种的扫描结果
type SymbolAnalysis struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Trend      string          `json:"trend"` // up, down, flat
	RSI        float64         `json:"rsi"`
	Momentum   float64         `json:"momentum"`
	Volatility float64         `json:"volatility"`
	Score      float64         `json:"score"`
}

// MarketAnalysis market_scan 阶段输出
type MarketAnalysis struct {
	Symbols   []SymbolAnalysis `json:"symbols"`
	ScannedAt time.Time        `json:"scanned_at"`
}

// Asset 入选资产
type Asset struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Trend  string          `json:"trend"`
	Score  float64         `json:"score"`
	Reason string          `json:"reason,omitempty"`
}

// AssetSelection asset_selection 阶段输出
type AssetSelection struct {
	Assets []Asset `json:"assets"`
}

// Strategy 交易策略
type Strategy struct {
	Name       string           `json:"name"`
	Symbol     string           `json:"symbol"`
	Side       execution.Side   `json:"side"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	Policy     sizing.RawPolicy `json:"policy"` // 为空时使用配置中的规则
	Confidence float64          `json:"confidence"`
	Rationale  string           `json:"rationale,omitempty"`
}

// StrategySet strategy_generation 阶段输出
type StrategySet struct {
	Strategies []Strategy `json:"strategies"`
}

// ValidatedStrategy 回测结论
type ValidatedStrategy struct {
	Strategy
	BacktestScore float64 `json:"backtest_score"`
	Approved      bool    `json:"approved"`
	Reason        string  `json:"reason,omitempty"`
}

// ValidationResult validation 阶段输出
type ValidationResult struct {
	Approved []ValidatedStrategy `json:"approved"`
	Rejected []ValidatedStrategy `json:"rejected,omitempty"`
}

// StagedOrder 待执行订单（数量在执行阶段按当时账户计算）
type StagedOrder struct {
	Symbol        string           `json:"symbol"`
	Side          execution.Side   `json:"side"`
	StrategyName  string           `json:"strategy_name"`
	Type          order.OrderType  `json:"type"`
	LimitPrice    decimal.Decimal  `json:"limit_price"`
	Policy        sizing.RawPolicy `json:"policy"`
	BacktestScore float64          `json:"backtest_score"`
}

// StagingPlan staging 阶段输出
type StagingPlan struct {
	Orders []StagedOrder `json:"orders"`
}

// 订单执行结果
const (
	OutcomeFilled       = "filled"
	OutcomeRiskRejected = "risk_rejected"
	OutcomeInvalid      = "invalid"
	OutcomeSkipped      = "skipped"
)

// OrderOutcome 单个订单的执行结果
type OrderOutcome struct {
	Symbol       string          `json:"symbol"`
	Side         execution.Side  `json:"side"`
	StrategyName string          `json:"strategy_name"`
	Status       string          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Quantity     int64           `json:"quantity,omitempty"`
	Fill         *order.Fill     `json:"fill,omitempty"`
	Decision     *risk.Decision  `json:"decision,omitempty"`
	PostTrade    *risk.PostTrade `json:"post_trade,omitempty"`
	Closed       *order.Fill     `json:"closed,omitempty"` // 止损/止盈平仓成交
	Replayed     bool            `json:"replayed,omitempty"`
}

// ExecutionReport execution 阶段输出
type ExecutionReport struct {
	Outcomes []OrderOutcome `json:"outcomes"`
	Halted   bool           `json:"halted"`
}

// Filled 成交订单数
func (r *ExecutionReport) Filled() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == OutcomeFilled {
			n++
		}
	}
	return n
}
