package risk

import (
	"github.com/shopspring/decimal"

	"smartalpaca/config"
)

// Thresholds 单个策略的止损止盈阈值（百分比，0 表示不启用）
type Thresholds struct {
	StopLossPercent   decimal.Decimal `json:"stop_loss_percent"`
	TakeProfitPercent decimal.Decimal `json:"take_profit_percent"`
}

// Limits 风控限额
type Limits struct {
	MaxPositionPercent decimal.Decimal       `json:"max_position_percent"` // 单一持仓占组合上限
	MaxExposurePercent decimal.Decimal       `json:"max_exposure_percent"` // 总敞口上限
	Default            Thresholds            `json:"default"`
	Strategies         map[string]Thresholds `json:"strategies"`
}

// LimitsFromConfig 从配置构建限额，策略未设置的阈值回落到默认值
func LimitsFromConfig(cfg *config.Config) Limits {
	l := Limits{
		MaxPositionPercent: decimal.NewFromFloat(cfg.Risk.MaxPositionPercent),
		MaxExposurePercent: decimal.NewFromFloat(cfg.Risk.MaxExposurePercent),
		Default: Thresholds{
			StopLossPercent:   decimal.NewFromFloat(cfg.Risk.DefaultStopLossPercent),
			TakeProfitPercent: decimal.NewFromFloat(cfg.Risk.DefaultTakeProfitPercent),
		},
		Strategies: make(map[string]Thresholds, len(cfg.Risk.Strategies)),
	}
	for name, s := range cfg.Risk.Strategies {
		t := l.Default
		if s.StopLossPercent > 0 {
			t.StopLossPercent = decimal.NewFromFloat(s.StopLossPercent)
		}
		if s.TakeProfitPercent > 0 {
			t.TakeProfitPercent = decimal.NewFromFloat(s.TakeProfitPercent)
		}
		l.Strategies[name] = t
	}
	return l
}

// For 返回策略的阈值
func (l Limits) For(strategy string) Thresholds {
	if t, ok := l.Strategies[strategy]; ok {
		return t
	}
	return l.Default
}
