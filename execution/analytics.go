package execution

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/indicators"
)

const (
	tradingDaysPerYear = 252
	annualRiskFree     = 0.02
)

// RoundTrip 一次开平仓配对（FIFO）
type RoundTrip struct {
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"` // 开仓方向
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	ClosedAt   time.Time       `json:"closed_at"`
}

// RiskMetrics 基于成交历史的风险指标快照（只读）
type RiskMetrics struct {
	RoundTrips    int     `json:"round_trips"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown"`   // %
	Volatility    float64 `json:"volatility"`     // 年化 %
	Beta          float64 `json:"beta"`           // 相对基准
	Alpha         float64 `json:"alpha"`          // 年化 %
	WinRate       float64 `json:"win_rate"`       // %
	ProfitFactor  float64 `json:"profit_factor"`  // 总盈利 / 总亏损
	AverageReturn float64 `json:"average_return"` // 每笔 %
	TotalReturn   float64 `json:"total_return"`   // %
}

type lot struct {
	side  Side
	qty   decimal.Decimal
	price decimal.Decimal
}

// MatchRoundTrips 按 FIFO 将成交配对为完整交易，未平的部分不计入
func MatchRoundTrips(execs []TradeExecution) []RoundTrip {
	open := make(map[string][]lot)
	var trips []RoundTrip

	for _, e := range execs {
		qty := e.Quantity
		lots := open[e.Symbol]
		for qty.IsPositive() && len(lots) > 0 && lots[0].side != e.Side {
			head := &lots[0]
			matched := decimal.Min(qty, head.qty)

			pnl := e.Price.Sub(head.price).Mul(matched)
			if head.side == Sell {
				pnl = pnl.Neg()
			}
			trips = append(trips, RoundTrip{
				Symbol:     e.Symbol,
				Side:       head.side,
				Quantity:   matched,
				EntryPrice: head.price,
				ExitPrice:  e.Price,
				PnL:        pnl,
				ClosedAt:   e.ExecutedAt,
			})

			head.qty = head.qty.Sub(matched)
			qty = qty.Sub(matched)
			if head.qty.IsZero() {
				lots = lots[1:]
			}
		}
		if qty.IsPositive() {
			lots = append(lots, lot{side: e.Side, qty: qty, price: e.Price})
		}
		open[e.Symbol] = lots
	}
	return trips
}

// CalculateRiskMetrics 由成交历史计算风险指标
// benchmarkReturns 为与每笔完整交易对齐的基准收益率，可为空（此时 Beta、Alpha 为 0）
func CalculateRiskMetrics(execs []TradeExecution, initialCapital decimal.Decimal, benchmarkReturns []float64) RiskMetrics {
	trips := MatchRoundTrips(execs)
	if len(trips) == 0 || !initialCapital.IsPositive() {
		return RiskMetrics{}
	}

	capital := initialCapital.InexactFloat64()
	equity := capital
	curve := []float64{equity}
	returns := make([]float64, 0, len(trips))

	var wins int
	var grossProfit, grossLoss float64
	for _, t := range trips {
		pnl := t.PnL.InexactFloat64()
		if equity > 0 {
			returns = append(returns, pnl/equity)
		} else {
			returns = append(returns, 0)
		}
		equity += pnl
		curve = append(curve, equity)

		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += math.Abs(pnl)
		}
	}

	m := RiskMetrics{
		RoundTrips:    len(trips),
		MaxDrawdown:   maxDrawdown(curve),
		Volatility:    indicators.StdDev(returns) * math.Sqrt(tradingDaysPerYear) * 100,
		SharpeRatio:   sharpe(returns),
		WinRate:       float64(wins) / float64(len(trips)) * 100,
		AverageReturn: indicators.Mean(returns) * 100,
		TotalReturn:   (equity - capital) / capital * 100,
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	}

	if len(benchmarkReturns) > 0 {
		if v := indicators.Variance(benchmarkReturns); v > 0 {
			m.Beta = indicators.Covariance(returns, benchmarkReturns) / v
			rf := annualRiskFree / tradingDaysPerYear
			excess := indicators.Mean(returns) - rf - m.Beta*(indicators.Mean(benchmarkReturns)-rf)
			m.Alpha = excess * tradingDaysPerYear * 100
		}
	}
	return m
}

func sharpe(returns []float64) float64 {
	sd := indicators.StdDev(returns)
	if sd == 0 {
		return 0
	}
	rf := annualRiskFree / tradingDaysPerYear
	return (indicators.Mean(returns) - rf) / sd * math.Sqrt(tradingDaysPerYear)
}

func maxDrawdown(curve []float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak := curve[0]
	worst := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}
