package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/config"
	"smartalpaca/execution"
	"smartalpaca/indicators"
	"smartalpaca/logger"
	"smartalpaca/pipeline"
)

const (
	fastPeriod     = 12 // EMA
	slowPeriod     = 26 // SMA
	rsiPeriod      = 14
	momentumPeriod = 10
	volWindow      = 30
	// 回测持有周期（步）
	backtestHorizon = 5
	// 回测最少信号数
	minSignals = 5

	strategyName = "trend_following"
)

const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// Analyzer 基于均线、RSI 和动量的分析器，实现流水线前四个阶段
type Analyzer struct {
	market *Market

	mu        sync.RWMutex
	maxAssets int
	minScore  float64
}

// NewAnalyzer 创建分析器
func NewAnalyzer(market *Market, cfg *config.Config) *Analyzer {
	a := &Analyzer{market: market}
	a.configure(cfg)
	return a
}

func (a *Analyzer) configure(cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxAssets = cfg.Pipeline.MaxAssets
	if a.maxAssets <= 0 {
		a.maxAssets = 3
	}
	a.minScore = cfg.Paper.MinBacktestScore
}

// OnConfigChange 热更新筛选数量和回测阈值
func (a *Analyzer) OnConfigChange(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	if diff != nil && !diff.Has("pipeline") && !diff.Has("paper") {
		return nil
	}
	a.configure(newCfg)
	return nil
}

func (a *Analyzer) settings() (int, float64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxAssets, a.minScore
}

// trendSeries 预先计算快慢均线，按价格序列下标取值
type trendSeries struct {
	prices []float64
	fast   []float64
	slow   []float64
}

func newTrendSeries(prices []float64) trendSeries {
	return trendSeries{
		prices: prices,
		fast:   indicators.EMA(prices, fastPeriod),
		slow:   indicators.SMA(prices, slowPeriod),
	}
}

// at 第 t 个价格处的趋势
func (ts trendSeries) at(t int) string {
	if t < slowPeriod-1 || t >= len(ts.prices) || ts.fast == nil || ts.slow == nil {
		return TrendFlat
	}
	fast := ts.fast[t-(fastPeriod-1)]
	slow := ts.slow[t-(slowPeriod-1)]
	last := ts.prices[t]
	switch {
	case fast > slow*1.001 && last > slow:
		return TrendUp
	case fast < slow*0.999 && last < slow:
		return TrendDown
	default:
		return TrendFlat
	}
}

// AnalyzeMarket 市场扫描
func (a *Analyzer) AnalyzeMarket(ctx context.Context, symbols []string) (*pipeline.MarketAnalysis, error) {
	out := &pipeline.MarketAnalysis{ScannedAt: time.Now()}
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.Symbols = append(out.Symbols, analyzeSymbol(symbol, a.market.History(symbol)))
	}
	return out, nil
}

func analyzeSymbol(symbol string, prices []float64) pipeline.SymbolAnalysis {
	last := prices[len(prices)-1]
	result := pipeline.SymbolAnalysis{
		Symbol: symbol,
		Price:  decimal.NewFromFloat(last).Round(2),
		Trend:  newTrendSeries(prices).at(len(prices) - 1),
		RSI:    50,
	}
	if rsi := indicators.RSI(prices, rsiPeriod); len(rsi) > 0 {
		result.RSI = rsi[len(rsi)-1]
	}
	result.Momentum = indicators.Momentum(prices, momentumPeriod)

	window := prices
	if len(window) > volWindow+1 {
		window = window[len(window)-volWindow-1:]
	}
	result.Volatility = indicators.StdDev(indicators.Returns(window))

	// 波动调整后的动量，趋势末端超买/超卖时减半
	score := result.Momentum / math.Max(result.Volatility, 1e-6)
	if (result.Trend == TrendUp && result.RSI > 70) || (result.Trend == TrendDown && result.RSI < 30) {
		score *= 0.5
	}
	result.Score = math.Round(score*1e4) / 1e4
	return result
}

// SelectAssets 选出有趋势且得分绝对值最高的品种
func (a *Analyzer) SelectAssets(ctx context.Context, analysis *pipeline.MarketAnalysis) (*pipeline.AssetSelection, error) {
	maxAssets, _ := a.settings()
	candidates := make([]pipeline.SymbolAnalysis, 0, len(analysis.Symbols))
	for _, s := range analysis.Symbols {
		if s.Trend == TrendUp && s.Score > 0 || s.Trend == TrendDown && s.Score < 0 {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		si, sj := math.Abs(candidates[i].Score), math.Abs(candidates[j].Score)
		if si != sj {
			return si > sj
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	if len(candidates) > maxAssets {
		candidates = candidates[:maxAssets]
	}

	out := &pipeline.AssetSelection{}
	for _, c := range candidates {
		out.Assets = append(out.Assets, pipeline.Asset{
			Symbol: c.Symbol,
			Price:  c.Price,
			Trend:  c.Trend,
			Score:  c.Score,
			Reason: fmt.Sprintf("trend %s, momentum %.2f%%, rsi %.1f", c.Trend, c.Momentum*100, c.RSI),
		})
	}
	return out, nil
}

// GenerateStrategies 顺势：上涨做多，下跌做空（持有多头时即为离场）
func (a *Analyzer) GenerateStrategies(ctx context.Context, selection *pipeline.AssetSelection) (*pipeline.StrategySet, error) {
	out := &pipeline.StrategySet{}
	for _, asset := range selection.Assets {
		side := execution.Buy
		if asset.Trend == TrendDown {
			side = execution.Sell
		}
		out.Strategies = append(out.Strategies, pipeline.Strategy{
			Name:       strategyName,
			Symbol:     asset.Symbol,
			Side:       side,
			EntryPrice: asset.Price,
			Confidence: math.Min(1, math.Abs(asset.Score)/3),
			Rationale:  asset.Reason,
		})
	}
	return out, nil
}

// ValidateStrategies 在价格历史上回测：同向趋势信号出现后持有固定周期，统计盈利比例
func (a *Analyzer) ValidateStrategies(ctx context.Context, set *pipeline.StrategySet) (*pipeline.ValidationResult, error) {
	_, minScore := a.settings()
	out := &pipeline.ValidationResult{}
	for _, s := range set.Strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, signals := backtest(a.market.History(s.Symbol), s.Side)
		vs := pipeline.ValidatedStrategy{Strategy: s, BacktestScore: score}
		switch {
		case signals < minSignals:
			vs.Reason = fmt.Sprintf("only %d signals in history", signals)
		case score < minScore:
			vs.Reason = fmt.Sprintf("backtest score %.2f below %.2f", score, minScore)
		default:
			vs.Approved = true
		}
		if vs.Approved {
			out.Approved = append(out.Approved, vs)
		} else {
			logger.Debug("[模拟盘] 策略 %s %s 未通过回测: %s", s.Name, s.Symbol, vs.Reason)
			out.Rejected = append(out.Rejected, vs)
		}
	}
	return out, nil
}

// backtest 返回 (盈利信号占比, 信号数)
func backtest(prices []float64, side execution.Side) (float64, int) {
	want := TrendUp
	if side == execution.Sell {
		want = TrendDown
	}
	ts := newTrendSeries(prices)
	wins, signals := 0, 0
	for t := slowPeriod - 1; t+backtestHorizon < len(prices); t++ {
		if ts.at(t) != want {
			continue
		}
		signals++
		change := prices[t+backtestHorizon] - prices[t]
		if (side == execution.Buy && change > 0) || (side == execution.Sell && change < 0) {
			wins++
		}
	}
	if signals == 0 {
		return 0, 0
	}
	return math.Round(float64(wins)/float64(signals)*1e4) / 1e4, signals
}
