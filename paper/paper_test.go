package paper

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/config"
	"smartalpaca/execution"
	"smartalpaca/order"
	"smartalpaca/pipeline"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Paper.Seed = 42
	cfg.Paper.Prices = map[string]float64{"AAPL": 180, "MSFT": 400}
	cfg.ApplyDefaults()
	return cfg
}

func geometric(start, growth float64, n int) []float64 {
	out := make([]float64, n)
	p := start
	for i := range out {
		out[i] = p
		p *= 1 + growth
	}
	return out
}

func TestMarketDeterministic(t *testing.T) {
	a := NewMarket(testConfig(), time.Second)
	b := NewMarket(testConfig(), time.Second)

	assert.Equal(t, a.History("AAPL"), b.History("AAPL"))
	assert.Equal(t, a.History("MSFT"), b.History("MSFT"))
	assert.Len(t, a.History("AAPL"), warmupSteps+1)
	assert.Equal(t, 180.0, a.History("AAPL")[0])

	a.Tick()
	b.Tick()
	assert.Equal(t, a.History("AAPL"), b.History("AAPL"))
	assert.Len(t, a.History("AAPL"), warmupSteps+2)
}

func TestMarketHistoryBounded(t *testing.T) {
	m := NewMarket(testConfig(), time.Second)
	for i := 0; i < historySize; i++ {
		m.Tick()
	}
	h := m.History("AAPL")
	assert.Len(t, h, historySize)

	price, err := m.CurrentPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(h[len(h)-1]).Round(2)))
}

func TestMarketUnknownSymbolWarmsUp(t *testing.T) {
	m := NewMarket(testConfig(), time.Second)
	h := m.History("TSLA")
	require.Len(t, h, warmupSteps+1)
	assert.Equal(t, defaultStartPrice, h[0])

	// 返回的是副本
	h[0] = 1
	assert.Equal(t, defaultStartPrice, m.History("TSLA")[0])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.CurrentPrice(ctx, "TSLA")
	assert.ErrorIs(t, err, context.Canceled)
}

type fixedPrices map[string]decimal.Decimal

func (p fixedPrices) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := p[symbol]
	if !ok {
		return decimal.Zero, errors.New("no price for " + symbol)
	}
	return price, nil
}

func marketOrder(symbol string, side execution.Side, qty int64, clientID string) order.OrderRequest {
	return order.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Quantity:      decimal.NewFromInt(qty),
		Type:          order.Market,
		ClientOrderID: clientID,
	}
}

func TestBrokerAccounting(t *testing.T) {
	ctx := context.Background()
	prices := fixedPrices{"AAPL": decimal.NewFromInt(100)}
	b := NewBroker(prices, decimal.NewFromInt(10000))

	fill, err := b.PlaceOrder(ctx, marketOrder("AAPL", execution.Buy, 10, "c-0"))
	require.NoError(t, err)
	assert.Equal(t, "paper-1", fill.OrderID)
	assert.Equal(t, "c-0", fill.ClientOrderID)
	assert.True(t, fill.FilledPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, b.Holding("AAPL").Equal(decimal.NewFromInt(10)))

	// 相同客户端订单ID不会重复成交
	again, err := b.PlaceOrder(ctx, marketOrder("AAPL", execution.Buy, 10, "c-0"))
	require.NoError(t, err)
	assert.Equal(t, fill.OrderID, again.OrderID)
	assert.True(t, b.Holding("AAPL").Equal(decimal.NewFromInt(10)))

	acct, err := b.AccountSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9000", acct.Cash.String())
	assert.Equal(t, "10000", acct.PortfolioValue.String())

	// 卖出超过持仓变为空头
	_, err = b.PlaceOrder(ctx, marketOrder("AAPL", execution.Sell, 20, "c-1"))
	require.NoError(t, err)
	assert.True(t, b.Holding("AAPL").Equal(decimal.NewFromInt(-10)))

	prices["AAPL"] = decimal.NewFromInt(110)
	acct, err = b.AccountSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "11000", acct.Cash.String())
	assert.Equal(t, "9900", acct.PortfolioValue.String())

	_, err = b.PlaceOrder(ctx, marketOrder("AAPL", execution.Buy, 10, "c-2"))
	require.NoError(t, err)
	assert.True(t, b.Holding("AAPL").IsZero())
}

func TestBrokerRejections(t *testing.T) {
	ctx := context.Background()
	b := NewBroker(fixedPrices{"AAPL": decimal.NewFromInt(100)}, decimal.NewFromInt(1000))

	_, err := b.PlaceOrder(ctx, marketOrder("AAPL", execution.Buy, 11, "big"))
	assert.True(t, errors.Is(err, ErrInsufficientBuyingPower))

	limit := marketOrder("AAPL", execution.Buy, 1, "lim")
	limit.Type = order.Limit
	limit.LimitPrice = decimal.NewFromInt(90)
	_, err = b.PlaceOrder(ctx, limit)
	assert.ErrorIs(t, err, ErrLimitNotMarketable)

	limit.LimitPrice = decimal.NewFromInt(101)
	_, err = b.PlaceOrder(ctx, limit)
	assert.NoError(t, err)

	_, err = b.PlaceOrder(ctx, marketOrder("MSFT", execution.Buy, 1, "unknown"))
	assert.Error(t, err)

	// 失败的订单不占用客户端订单ID
	_, err = b.PlaceOrder(ctx, marketOrder("AAPL", execution.Buy, 5, "big"))
	assert.NoError(t, err)
	assert.True(t, b.Holding("AAPL").Equal(decimal.NewFromInt(6)))
}

func newTestAnalyzer(t *testing.T, series map[string][]float64) *Analyzer {
	t.Helper()
	cfg := testConfig()
	m := NewMarket(cfg, time.Second)
	for s, h := range series {
		m.history[s] = h
	}
	return NewAnalyzer(m, cfg)
}

func runAnalysis(t *testing.T, a *Analyzer, symbols ...string) (*pipeline.AssetSelection, *pipeline.StrategySet, *pipeline.ValidationResult) {
	t.Helper()
	ctx := context.Background()
	analysis, err := a.AnalyzeMarket(ctx, symbols)
	require.NoError(t, err)
	selection, err := a.SelectAssets(ctx, analysis)
	require.NoError(t, err)
	set, err := a.GenerateStrategies(ctx, selection)
	require.NoError(t, err)
	result, err := a.ValidateStrategies(ctx, set)
	require.NoError(t, err)
	return selection, set, result
}

func TestAnalyzerFollowsTrend(t *testing.T) {
	a := newTestAnalyzer(t, map[string][]float64{
		"UP":   geometric(100, 0.005, 121),
		"DOWN": geometric(100, -0.005, 121),
		"FLAT": geometric(100, 0, 121),
	})

	analysis, err := a.AnalyzeMarket(context.Background(), []string{"UP", "DOWN", "FLAT"})
	require.NoError(t, err)
	require.Len(t, analysis.Symbols, 3)
	assert.Equal(t, TrendUp, analysis.Symbols[0].Trend)
	assert.Equal(t, TrendDown, analysis.Symbols[1].Trend)
	assert.Equal(t, TrendFlat, analysis.Symbols[2].Trend)
	assert.InDelta(t, math.Pow(1.005, 10)-1, analysis.Symbols[0].Momentum, 1e-9)
	assert.Greater(t, analysis.Symbols[0].RSI, 70.0)

	selection, set, result := runAnalysis(t, a, "UP", "DOWN", "FLAT")
	require.Len(t, selection.Assets, 2)
	for _, asset := range selection.Assets {
		assert.NotEqual(t, "FLAT", asset.Symbol)
	}

	sides := map[string]execution.Side{}
	for _, s := range set.Strategies {
		sides[s.Symbol] = s.Side
		assert.Equal(t, strategyName, s.Name)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
	assert.Equal(t, execution.Buy, sides["UP"])
	assert.Equal(t, execution.Sell, sides["DOWN"])

	require.Len(t, result.Approved, 2)
	for _, v := range result.Approved {
		assert.Equal(t, 1.0, v.BacktestScore)
		assert.True(t, v.Approved)
	}
	assert.Empty(t, result.Rejected)
}

func TestAnalyzerCapsSelection(t *testing.T) {
	a := newTestAnalyzer(t, map[string][]float64{
		"A": geometric(100, 0.002, 121),
		"B": geometric(100, 0.004, 121),
		"C": geometric(100, 0.006, 121),
		"D": geometric(100, 0.008, 121),
	})

	selection, _, _ := runAnalysis(t, a, "A", "B", "C", "D")
	require.Len(t, selection.Assets, 3)
	assert.Equal(t, []string{"D", "C", "B"}, []string{
		selection.Assets[0].Symbol, selection.Assets[1].Symbol, selection.Assets[2].Symbol,
	})

	newCfg := testConfig()
	newCfg.Pipeline.MaxAssets = 1
	require.NoError(t, a.OnConfigChange(nil, newCfg, nil))
	selection, _, _ = runAnalysis(t, a, "A", "B", "C", "D")
	require.Len(t, selection.Assets, 1)
	assert.Equal(t, "D", selection.Assets[0].Symbol)
}

func TestValidationRejections(t *testing.T) {
	a := newTestAnalyzer(t, map[string][]float64{
		"UP":    geometric(100, 0.005, 121),
		"SHORT": geometric(100, 0.01, 30),
	})

	set := &pipeline.StrategySet{Strategies: []pipeline.Strategy{
		{Name: strategyName, Symbol: "UP", Side: execution.Buy},
		{Name: strategyName, Symbol: "UP", Side: execution.Sell},
		{Name: strategyName, Symbol: "SHORT", Side: execution.Buy},
	}}
	result, err := a.ValidateStrategies(context.Background(), set)
	require.NoError(t, err)
	require.Len(t, result.Approved, 1)
	require.Len(t, result.Rejected, 2)
	assert.Equal(t, "only 0 signals in history", result.Rejected[0].Reason)
	// 30 个价格不足以完成一次持有周期
	assert.Contains(t, result.Rejected[1].Reason, "signals in history")

	newCfg := testConfig()
	newCfg.Paper.MinBacktestScore = 1.5
	require.NoError(t, a.OnConfigChange(nil, newCfg, nil))
	result, err = a.ValidateStrategies(context.Background(), set)
	require.NoError(t, err)
	assert.Empty(t, result.Approved)
	assert.Equal(t, "backtest score 1.00 below 1.50", result.Rejected[0].Reason)
}

func TestBrokerHoldings(t *testing.T) {
	ctx := context.Background()
	prices := fixedPrices{"AAPL": decimal.NewFromInt(100), "MSFT": decimal.NewFromInt(50)}
	b := NewBroker(prices, decimal.NewFromInt(10000))

	_, err := b.PlaceOrder(ctx, marketOrder("AAPL", execution.Buy, 10, "h-0"))
	require.NoError(t, err)
	_, err = b.PlaceOrder(ctx, marketOrder("MSFT", execution.Buy, 4, "h-1"))
	require.NoError(t, err)
	_, err = b.PlaceOrder(ctx, marketOrder("MSFT", execution.Sell, 4, "h-2"))
	require.NoError(t, err)

	holdings, err := b.Holdings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1, "平掉的品种不出现在快照里")
	assert.True(t, holdings["AAPL"].Equal(decimal.NewFromInt(10)))

	// 快照是副本
	holdings["AAPL"] = decimal.Zero
	assert.True(t, b.Holding("AAPL").Equal(decimal.NewFromInt(10)))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = b.Holdings(canceled)
	assert.Error(t, err)
}
