package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/config"
	"smartalpaca/correlation"
	"smartalpaca/database"
	"smartalpaca/logger"
	"smartalpaca/metrics"
	"smartalpaca/position"
	"smartalpaca/sizing"
)

// ErrInvalidProposal 拟交易金额必须为正
var ErrInvalidProposal = errors.New("proposed value must be positive")

var hundred = decimal.NewFromInt(100)

// 风控检查类型
const (
	CheckHalted        = "halted"
	CheckConcentration = "concentration"
	CheckExposure      = "exposure"
	CheckStopLoss      = "stop_loss"
	CheckTakeProfit    = "take_profit"

	KindPreTrade  = "pre_trade"
	KindPostTrade = "post_trade"
)

// PositionReader 风控读取的持仓视图
type PositionReader interface {
	CalculatePositionMetrics(symbol string) *position.Metrics
	OpenPositions() []*position.Position
}

// Recorder 风控检查记录落库
type Recorder interface {
	SaveRiskCheck(ctx context.Context, check *database.RiskCheck) error
}

// Decision 交易前风控结论
type Decision struct {
	Symbol          string          `json:"symbol"`
	Approved        bool            `json:"approved"`
	Check           string          `json:"check,omitempty"` // 未通过的检查项
	Reason          string          `json:"reason,omitempty"`
	ProposedValue   decimal.Decimal `json:"proposed_value"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	PositionPercent decimal.Decimal `json:"position_percent"` // 成交后该品种占组合比例
	ExposurePercent decimal.Decimal `json:"exposure_percent"` // 成交后总敞口比例
}

// PostTrade 交易后检查结果，触发后的平仓由调用方执行
type PostTrade struct {
	Symbol          string          `json:"symbol"`
	StopLoss        bool            `json:"stop_loss"`
	TakeProfit      bool            `json:"take_profit"`
	ExposureOK      bool            `json:"exposure_ok"`
	ExposurePercent decimal.Decimal `json:"exposure_percent"`
	Halted          bool            `json:"halted"`
}

// Service 风控服务
type Service struct {
	positions PositionReader
	accounts  sizing.AccountProvider
	recorder  Recorder
	metrics   *metrics.PrometheusMetrics

	mu         sync.RWMutex
	limits     Limits
	halted     bool
	haltReason string
	haltedAt   time.Time
}

// NewService 创建风控服务，recorder 可为 nil
func NewService(limits Limits, positions PositionReader, accounts sizing.AccountProvider, recorder Recorder) *Service {
	return &Service{
		positions: positions,
		accounts:  accounts,
		recorder:  recorder,
		metrics:   metrics.GetPrometheusMetrics(),
		limits:    limits,
	}
}

// Limits 返回当前限额
func (s *Service) Limits() Limits {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limits
}

// UpdateLimits 更新限额（热更新）
func (s *Service) UpdateLimits(cfg *config.Config) {
	limits := LimitsFromConfig(cfg)
	s.mu.Lock()
	s.limits = limits
	s.mu.Unlock()
	logger.Info("🔄 [风控] 限额已更新: 单一持仓 %s%%, 总敞口 %s%%, 默认止损 %s%%, 默认止盈 %s%%",
		limits.MaxPositionPercent, limits.MaxExposurePercent,
		limits.Default.StopLossPercent, limits.Default.TakeProfitPercent)
}

// OnConfigChange 配置热更新回调
func (s *Service) OnConfigChange(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if diff != nil && !diff.Has("risk") {
		return nil
	}
	s.UpdateLimits(newCfg)
	return nil
}

// ValidatePositionSize 单一持仓集中度检查：proposedValue / portfolioValue 不超过上限
func (s *Service) ValidatePositionSize(symbol string, proposedValue, portfolioValue decimal.Decimal) bool {
	if !portfolioValue.IsPositive() {
		return false
	}
	pct := proposedValue.Abs().Div(portfolioValue).Mul(hundred)
	return pct.LessThanOrEqual(s.Limits().MaxPositionPercent)
}

// Exposure 当前总敞口（未平仓市值绝对值之和）与组合价值
func (s *Service) Exposure(ctx context.Context) (total, portfolioValue decimal.Decimal, err error) {
	account, err := s.accounts.AccountSnapshot(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("获取账户快照失败: %w", err)
	}
	if account == nil {
		return decimal.Zero, decimal.Zero, sizing.ErrMissingAccount
	}
	total = decimal.Zero
	for _, p := range s.positions.OpenPositions() {
		total = total.Add(p.MarketValue.Abs())
	}
	return total, account.PortfolioValue, nil
}

// CheckPortfolioExposure 总敞口未超过上限时返回 true
func (s *Service) CheckPortfolioExposure(ctx context.Context) (bool, error) {
	total, pv, err := s.Exposure(ctx)
	if err != nil {
		return false, err
	}
	ok, pct := s.exposureWithin(total, pv)
	s.metrics.SetPortfolioExposure(pct.Div(hundred).InexactFloat64())
	return ok, nil
}

func (s *Service) exposureWithin(total, portfolioValue decimal.Decimal) (bool, decimal.Decimal) {
	if total.IsZero() {
		return true, decimal.Zero
	}
	if !portfolioValue.IsPositive() {
		return false, decimal.Zero
	}
	pct := total.Div(portfolioValue).Mul(hundred)
	return pct.LessThanOrEqual(s.Limits().MaxExposurePercent), pct
}

// CheckStopLoss 浮动亏损比例达到止损阈值时返回 true，只读
func (s *Service) CheckStopLoss(symbol string) bool {
	m := s.positions.CalculatePositionMetrics(symbol)
	if m == nil {
		return false
	}
	threshold := s.Limits().For(m.StrategyName).StopLossPercent
	if !threshold.IsPositive() {
		return false
	}
	return m.UnrealizedPnLPercent.Neg().GreaterThanOrEqual(threshold)
}

// CheckTakeProfit 浮动盈利比例达到止盈阈值时返回 true，只读
func (s *Service) CheckTakeProfit(symbol string) bool {
	m := s.positions.CalculatePositionMetrics(symbol)
	if m == nil {
		return false
	}
	threshold := s.Limits().For(m.StrategyName).TakeProfitPercent
	if !threshold.IsPositive() {
		return false
	}
	return m.UnrealizedPnLPercent.GreaterThanOrEqual(threshold)
}

// ValidateTrade 交易前检查：暂停开关、单一持仓集中度、成交后总敞口
// 拒绝不会返回 error，结论记录在 Decision 和风控记录中
func (s *Service) ValidateTrade(ctx context.Context, symbol string, proposedValue decimal.Decimal) (*Decision, error) {
	if !proposedValue.IsPositive() {
		return nil, ErrInvalidProposal
	}
	decision := &Decision{
		Symbol:          symbol,
		ProposedValue:   proposedValue,
		PortfolioValue:  decimal.Zero,
		PositionPercent: decimal.Zero,
		ExposurePercent: decimal.Zero,
	}

	if halted, reason := s.HaltStatus(); halted {
		decision.Check = CheckHalted
		decision.Reason = "trading halted: " + reason
		s.record(ctx, KindPreTrade, decision)
		return decision, nil
	}

	total, pv, err := s.Exposure(ctx)
	if err != nil {
		return nil, err
	}
	decision.PortfolioValue = pv

	existing := decimal.Zero
	if m := s.positions.CalculatePositionMetrics(symbol); m != nil {
		existing = m.MarketValue.Abs()
	}
	limits := s.Limits()
	if pv.IsPositive() {
		decision.PositionPercent = existing.Add(proposedValue).Div(pv).Mul(hundred).Round(4)
		decision.ExposurePercent = total.Add(proposedValue).Div(pv).Mul(hundred).Round(4)
	}

	switch {
	case !s.ValidatePositionSize(symbol, existing.Add(proposedValue), pv):
		decision.Check = CheckConcentration
		decision.Reason = fmt.Sprintf("position would be %s%% of portfolio, limit %s%%",
			decision.PositionPercent.StringFixed(2), limits.MaxPositionPercent)
	case !s.within(total.Add(proposedValue), pv):
		decision.Check = CheckExposure
		decision.Reason = fmt.Sprintf("exposure would be %s%% of portfolio, limit %s%%",
			decision.ExposurePercent.StringFixed(2), limits.MaxExposurePercent)
	default:
		decision.Approved = true
	}

	s.record(ctx, KindPreTrade, decision)
	return decision, nil
}

func (s *Service) within(total, pv decimal.Decimal) bool {
	ok, _ := s.exposureWithin(total, pv)
	return ok
}

// PostTradeCheck 成交后检查止损、止盈和总敞口；敞口超限时暂停交易
func (s *Service) PostTradeCheck(ctx context.Context, symbol string) (*PostTrade, error) {
	result := &PostTrade{
		Symbol:     symbol,
		StopLoss:   s.CheckStopLoss(symbol),
		TakeProfit: s.CheckTakeProfit(symbol),
	}
	scope := logger.With(correlation.FromContext(ctx).String(), "risk")

	if result.StopLoss {
		s.metrics.RecordRiskTrigger(symbol, CheckStopLoss)
		s.save(ctx, symbol, KindPostTrade, CheckStopLoss, false, "stop-loss threshold reached", nil)
		scope.Warn("🛑 [风控] %s 触发止损", symbol)
	} else if result.TakeProfit {
		s.metrics.RecordRiskTrigger(symbol, CheckTakeProfit)
		s.save(ctx, symbol, KindPostTrade, CheckTakeProfit, true, "take-profit threshold reached", nil)
		scope.Info("🎯 [风控] %s 触发止盈", symbol)
	}

	total, pv, err := s.Exposure(ctx)
	if err != nil {
		return nil, err
	}
	ok, pct := s.exposureWithin(total, pv)
	s.metrics.SetPortfolioExposure(pct.Div(hundred).InexactFloat64())
	result.ExposureOK = ok
	result.ExposurePercent = pct.Round(4)
	if !ok {
		reason := fmt.Sprintf("portfolio exposure %s%% exceeds %s%%", pct.StringFixed(2), s.Limits().MaxExposurePercent)
		s.metrics.RecordRiskTrigger(symbol, CheckExposure)
		s.save(ctx, symbol, KindPostTrade, CheckExposure, false, reason, nil)
		s.Halt(reason)
	}
	result.Halted = s.IsHalted()
	return result, nil
}

// Halt 暂停交易，之后的交易前检查全部拒绝
func (s *Service) Halt(reason string) {
	s.mu.Lock()
	already := s.halted
	s.halted = true
	s.haltReason = reason
	s.haltedAt = time.Now()
	s.mu.Unlock()

	s.metrics.SetTradingHalted(true)
	if !already {
		logger.Error("❌ [风控] 交易已暂停: %s", reason)
	}
}

// ResumeTrading 恢复交易
func (s *Service) ResumeTrading() {
	s.mu.Lock()
	was := s.halted
	s.halted = false
	s.haltReason = ""
	s.haltedAt = time.Time{}
	s.mu.Unlock()

	s.metrics.SetTradingHalted(false)
	if was {
		logger.Info("✅ [风控] 交易已恢复")
	}
}

// IsHalted 交易是否已暂停
func (s *Service) IsHalted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted
}

// HaltStatus 返回暂停状态和原因
func (s *Service) HaltStatus() (bool, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.halted, s.haltReason
}

func (s *Service) record(ctx context.Context, kind string, d *Decision) {
	if !d.Approved {
		s.metrics.RecordRiskRejection(d.Symbol, d.Check)
		logger.With(correlation.FromContext(ctx).String(), "risk").Warn("⚠️ [风控] 拒绝 %s: %s", d.Symbol, d.Reason)
	}
	s.save(ctx, d.Symbol, kind, d.Check, d.Approved, d.Reason, d)
}

func (s *Service) save(ctx context.Context, symbol, kind, check string, approved bool, reason string, details interface{}) {
	if s.recorder == nil {
		return
	}
	rc := &database.RiskCheck{
		Symbol:        symbol,
		CorrelationID: correlation.FromContext(ctx).String(),
		Kind:          kind,
		Approved:      approved,
		Reason:        reason,
	}
	if check != "" && kind == KindPostTrade {
		rc.Kind = check
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			rc.Details = string(data)
		}
	}
	if err := s.recorder.SaveRiskCheck(ctx, rc); err != nil {
		logger.Warn("⚠️ [风控] 保存风控记录失败: %v", err)
	}
}
