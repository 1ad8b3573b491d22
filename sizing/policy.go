package sizing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Number 数字或数字字符串，在边界处统一转换
type Number string

// UnmarshalJSON 同时接受 150、"150"、null
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(strings.TrimSpace(s))
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid number %s: %w", data, err)
	}
	*n = Number(num.String())
	return nil
}

// MarshalJSON 输出为字符串，保留原始精度
func (n Number) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(n))
}

// UnmarshalYAML 同时接受数字和字符串标量
func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	if value.Tag == "!!null" {
		*n = ""
		return nil
	}
	*n = Number(strings.TrimSpace(value.Value))
	return nil
}

// Decimal 转换为十进制数，空值返回 ok=false
func (n Number) Decimal() (d decimal.Decimal, ok bool, err error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return decimal.Zero, false, nil
	}
	s = strings.TrimSuffix(s, "%")
	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid number %q", string(n))
	}
	return d, true, nil
}

// RawPolicy 未经校验的策略风控参数（来自配置或策略生成结果）
type RawPolicy struct {
	MaxPositionSize     Number `json:"maxPositionSize,omitempty" yaml:"max_position_size"`
	RiskPerTrade        Number `json:"riskPerTrade,omitempty" yaml:"risk_per_trade"`
	StopLossPercent     Number `json:"stopLossPercent,omitempty" yaml:"stop_loss_percent"`
	PortfolioPercentage Number `json:"portfolioPercentage,omitempty" yaml:"portfolio_percentage"`
}

// Policy 仓位计算规则
type Policy interface {
	// Name 规则名称（日志、审计用）
	Name() string
	isPolicy()
}

// MaxPositionPolicy 单笔金额上限：shares = floor(cap / price)
type MaxPositionPolicy struct {
	Cap decimal.Decimal
}

// RiskBasedPolicy 按风险计算：riskAmount = cash * riskPerTrade%，perShareRisk = price * stopLoss%
type RiskBasedPolicy struct {
	RiskPerTrade    decimal.Decimal
	StopLossPercent decimal.Decimal
}

// PortfolioPolicy 按组合比例：shares = floor(portfolioValue * pct% / price)
type PortfolioPolicy struct {
	Percentage decimal.Decimal
}

// FallbackPolicy 没有可用参数时使用固定股数
type FallbackPolicy struct{}

func (MaxPositionPolicy) Name() string { return "max_position" }
func (RiskBasedPolicy) Name() string   { return "risk_based" }
func (PortfolioPolicy) Name() string   { return "portfolio_percentage" }
func (FallbackPolicy) Name() string    { return "fallback" }

func (MaxPositionPolicy) isPolicy() {}
func (RiskBasedPolicy) isPolicy()   {}
func (PortfolioPolicy) isPolicy()   {}
func (FallbackPolicy) isPolicy()    {}

// ParsePolicy 按优先级选出第一个可用的规则：
// maxPositionSize > riskPerTrade+stopLossPercent > portfolioPercentage > fallback
// 非正数视为未设置；无法解析的值返回错误
func ParsePolicy(raw RawPolicy) (Policy, error) {
	maxSize, hasMax, err := positive(raw.MaxPositionSize, "maxPositionSize")
	if err != nil {
		return nil, err
	}
	risk, hasRisk, err := positive(raw.RiskPerTrade, "riskPerTrade")
	if err != nil {
		return nil, err
	}
	stop, hasStop, err := positive(raw.StopLossPercent, "stopLossPercent")
	if err != nil {
		return nil, err
	}
	pct, hasPct, err := positive(raw.PortfolioPercentage, "portfolioPercentage")
	if err != nil {
		return nil, err
	}

	switch {
	case hasMax:
		return MaxPositionPolicy{Cap: maxSize}, nil
	case hasRisk && hasStop:
		return RiskBasedPolicy{RiskPerTrade: risk, StopLossPercent: stop}, nil
	case hasPct:
		return PortfolioPolicy{Percentage: pct}, nil
	default:
		return FallbackPolicy{}, nil
	}
}

func positive(n Number, field string) (decimal.Decimal, bool, error) {
	d, ok, err := n.Decimal()
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("%s: %w", field, err)
	}
	if !ok || !d.IsPositive() {
		return decimal.Zero, false, nil
	}
	return d, true, nil
}
