package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/config"
	"smartalpaca/correlation"
	"smartalpaca/database"
	"smartalpaca/execution"
	"smartalpaca/position"
	"smartalpaca/sizing"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeAccounts struct {
	snapshot *sizing.AccountSnapshot
	err      error
}

func (f *fakeAccounts) AccountSnapshot(ctx context.Context) (*sizing.AccountSnapshot, error) {
	return f.snapshot, f.err
}

func defaultConfig() *config.Config {
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return cfg
}

type fixture struct {
	svc       *Service
	positions *position.Manager
	accounts  *fakeAccounts
	db        *database.GormDatabase
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	positions := position.NewManager(position.NewMemoryRepository())
	accounts := &fakeAccounts{snapshot: &sizing.AccountSnapshot{
		PortfolioValue: d("100000"),
		Cash:           d("100000"),
	}}
	return &fixture{
		svc:       NewService(LimitsFromConfig(cfg), positions, accounts, db),
		positions: positions,
		accounts:  accounts,
		db:        db,
	}
}

func (f *fixture) buy(t *testing.T, symbol, qty, price, strategy string) {
	t.Helper()
	_, err := f.positions.UpdatePosition(context.Background(), position.PositionUpdate{
		Symbol:       symbol,
		Side:         execution.Buy,
		Quantity:     d(qty),
		Price:        d(price),
		StrategyName: strategy,
		Timestamp:    time.Now(),
	})
	require.NoError(t, err)
}

func (f *fixture) mark(t *testing.T, symbol, price string) {
	t.Helper()
	_, err := f.positions.RefreshPrice(context.Background(), symbol, d(price))
	require.NoError(t, err)
}

func TestCheckStopLossBoundary(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.buy(t, "AAPL", "100", "100", "")

	f.mark(t, "AAPL", "98.01")
	assert.False(t, f.svc.CheckStopLoss("AAPL"), "差一分钱不触发")

	f.mark(t, "AAPL", "98.00")
	assert.True(t, f.svc.CheckStopLoss("AAPL"))

	f.mark(t, "AAPL", "90")
	assert.True(t, f.svc.CheckStopLoss("AAPL"))

	// 只读：触发后持仓仍在
	assert.NotNil(t, f.positions.CalculatePositionMetrics("AAPL"))
}

func TestCheckStopLossNoPosition(t *testing.T) {
	f := newFixture(t, defaultConfig())
	assert.False(t, f.svc.CheckStopLoss("NONE"))
	assert.False(t, f.svc.CheckTakeProfit("NONE"))
}

func TestStrategyThresholdOverride(t *testing.T) {
	cfg := defaultConfig()
	cfg.Risk.Strategies = map[string]config.StrategyRiskConfig{
		"scalp": {StopLossPercent: 1},
		"swing": {StopLossPercent: 8, TakeProfitPercent: 20},
	}
	f := newFixture(t, cfg)
	f.buy(t, "AAPL", "10", "100", "scalp")
	f.buy(t, "MSFT", "10", "100", "swing")

	f.mark(t, "AAPL", "99")
	f.mark(t, "MSFT", "95")
	assert.True(t, f.svc.CheckStopLoss("AAPL"))
	assert.False(t, f.svc.CheckStopLoss("MSFT"), "swing 策略止损 8%")

	limits := f.svc.Limits()
	assert.True(t, limits.For("scalp").TakeProfitPercent.Equal(d("6")), "未设置的止盈回落到默认值")
}

func TestCheckTakeProfit(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.buy(t, "AAPL", "100", "100", "")

	f.mark(t, "AAPL", "105.99")
	assert.False(t, f.svc.CheckTakeProfit("AAPL"))
	f.mark(t, "AAPL", "106")
	assert.True(t, f.svc.CheckTakeProfit("AAPL"))
	assert.False(t, f.svc.CheckStopLoss("AAPL"))
}

func TestValidatePositionSize(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pv := d("100000")

	assert.True(t, f.svc.ValidatePositionSize("AAPL", d("10000"), pv))
	assert.False(t, f.svc.ValidatePositionSize("AAPL", d("10000.01"), pv))
	assert.False(t, f.svc.ValidatePositionSize("AAPL", d("1"), decimal.Zero))
}

func TestCheckPortfolioExposure(t *testing.T) {
	cfg := defaultConfig()
	cfg.Risk.MaxPositionPercent = 50
	f := newFixture(t, cfg)
	ctx := context.Background()

	ok, err := f.svc.CheckPortfolioExposure(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	f.buy(t, "AAPL", "400", "100", "")
	f.buy(t, "MSFT", "400", "100", "")
	ok, err = f.svc.CheckPortfolioExposure(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "80% 恰好等于上限")

	f.mark(t, "MSFT", "101")
	ok, err = f.svc.CheckPortfolioExposure(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	f.accounts.err = errors.New("broker down")
	_, err = f.svc.CheckPortfolioExposure(ctx)
	assert.Error(t, err)
}

func TestValidateTrade(t *testing.T) {
	ctx := correlation.WithID(context.Background(), correlation.ID("cid-1"))

	t.Run("approved", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		dec, err := f.svc.ValidateTrade(ctx, "AAPL", d("5000"))
		require.NoError(t, err)
		assert.True(t, dec.Approved)
		assert.True(t, dec.PositionPercent.Equal(d("5")))

		checks, err := f.db.GetRiskChecks(ctx, &database.RiskCheckFilter{CorrelationID: "cid-1"})
		require.NoError(t, err)
		require.Len(t, checks, 1)
		assert.True(t, checks[0].Approved)
		assert.Equal(t, KindPreTrade, checks[0].Kind)
	})

	t.Run("concentration includes existing position", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		f.buy(t, "AAPL", "80", "100", "")

		dec, err := f.svc.ValidateTrade(ctx, "AAPL", d("3000"))
		require.NoError(t, err)
		assert.False(t, dec.Approved)
		assert.Equal(t, CheckConcentration, dec.Check)

		dec, err = f.svc.ValidateTrade(ctx, "MSFT", d("3000"))
		require.NoError(t, err)
		assert.True(t, dec.Approved)
	})

	t.Run("projected exposure", func(t *testing.T) {
		cfg := defaultConfig()
		cfg.Risk.MaxPositionPercent = 50
		f := newFixture(t, cfg)
		f.buy(t, "AAPL", "400", "100", "")
		f.buy(t, "MSFT", "350", "100", "")

		dec, err := f.svc.ValidateTrade(ctx, "NVDA", d("10000"))
		require.NoError(t, err)
		assert.False(t, dec.Approved)
		assert.Equal(t, CheckExposure, dec.Check)
		assert.True(t, dec.ExposurePercent.Equal(d("85")))
	})

	t.Run("halted", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		f.svc.Halt("manual")
		dec, err := f.svc.ValidateTrade(ctx, "AAPL", d("100"))
		require.NoError(t, err)
		assert.False(t, dec.Approved)
		assert.Equal(t, CheckHalted, dec.Check)
		assert.Contains(t, dec.Reason, "manual")

		f.svc.ResumeTrading()
		dec, err = f.svc.ValidateTrade(ctx, "AAPL", d("100"))
		require.NoError(t, err)
		assert.True(t, dec.Approved)
	})

	t.Run("errors", func(t *testing.T) {
		f := newFixture(t, defaultConfig())
		_, err := f.svc.ValidateTrade(ctx, "AAPL", decimal.Zero)
		assert.ErrorIs(t, err, ErrInvalidProposal)

		f.accounts.snapshot = nil
		_, err = f.svc.ValidateTrade(ctx, "AAPL", d("10"))
		assert.ErrorIs(t, err, sizing.ErrMissingAccount)
	})
}

func TestPostTradeCheckHaltsOnExposure(t *testing.T) {
	cfg := defaultConfig()
	cfg.Risk.MaxPositionPercent = 100
	f := newFixture(t, cfg)
	ctx := context.Background()

	f.buy(t, "AAPL", "500", "100", "")
	res, err := f.svc.PostTradeCheck(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, res.ExposureOK)
	assert.False(t, res.Halted)

	f.buy(t, "MSFT", "400", "100", "")
	res, err = f.svc.PostTradeCheck(ctx, "MSFT")
	require.NoError(t, err)
	assert.False(t, res.ExposureOK)
	assert.True(t, res.Halted)
	assert.True(t, f.svc.IsHalted())

	halted, reason := f.svc.HaltStatus()
	assert.True(t, halted)
	assert.Contains(t, reason, "exposure")
}

func TestPostTradeCheckReportsTriggers(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.buy(t, "AAPL", "10", "100", "")
	f.mark(t, "AAPL", "97")

	res, err := f.svc.PostTradeCheck(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, res.StopLoss)
	assert.False(t, res.TakeProfit)

	checks, err := f.db.GetRiskChecks(ctx, &database.RiskCheckFilter{Symbol: "AAPL"})
	require.NoError(t, err)
	require.NotEmpty(t, checks)
	assert.Equal(t, CheckStopLoss, checks[0].Kind)
}

func TestOnConfigChangeUpdatesLimits(t *testing.T) {
	f := newFixture(t, defaultConfig())
	pv := d("100000")
	require.False(t, f.svc.ValidatePositionSize("AAPL", d("15000"), pv))

	next := defaultConfig()
	next.Risk.MaxPositionPercent = 20

	// 风控段未变化时不更新
	require.NoError(t, f.svc.OnConfigChange(defaultConfig(), next, &config.ConfigDiff{}))
	assert.False(t, f.svc.ValidatePositionSize("AAPL", d("15000"), pv))

	require.NoError(t, f.svc.OnConfigChange(defaultConfig(), next, config.DiffConfig(defaultConfig(), next)))
	assert.True(t, f.svc.ValidatePositionSize("AAPL", d("15000"), pv))
}
