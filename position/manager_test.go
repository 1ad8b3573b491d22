package position

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/database"
	"smartalpaca/execution"
)

var day1 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func upd(symbol string, side execution.Side, qty, price string) PositionUpdate {
	return PositionUpdate{
		Symbol:    symbol,
		Side:      side,
		Quantity:  d(qty),
		Price:     d(price),
		Timestamp: day1,
	}
}

func newManager() *Manager {
	m := NewManager(NewMemoryRepository())
	m.SetLocation(time.UTC)
	m.SetAllowShort(true)
	m.now = func() time.Time { return day1 }
	return m
}

func assertValuation(t *testing.T, p *Position) {
	t.Helper()
	assert.True(t, p.MarketValue.Equal(p.Quantity.Mul(p.CurrentPrice)),
		"marketValue %s != %s x %s", p.MarketValue, p.Quantity, p.CurrentPrice)
	assert.True(t, p.UnrealizedPnL.Equal(p.MarketValue.Sub(p.Quantity.Mul(p.AverageEntryPrice))),
		"unrealizedPnL %s", p.UnrealizedPnL)
}

type failingRepo struct {
	*MemoryRepository
	fail bool
}

func (r *failingRepo) Save(ctx context.Context, p *Position) error {
	if r.fail {
		return errors.New("disk full")
	}
	return r.MemoryRepository.Save(ctx, p)
}

func TestOpenAndMerge(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	p, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "100", "100"))
	require.NoError(t, err)
	assert.True(t, p.IsOpen)
	assert.True(t, p.Quantity.Equal(d("100")))
	assertValuation(t, p)

	p, err = m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "100", "110"))
	require.NoError(t, err)
	assert.True(t, p.Quantity.Equal(d("200")))
	assert.True(t, p.AverageEntryPrice.Equal(d("105")))
	assert.True(t, p.MarketValue.Equal(d("22000")))
	assert.True(t, p.UnrealizedPnL.Equal(d("1000")))
	assertValuation(t, p)

	assert.Len(t, m.OpenPositions(), 1, "同一品种只允许一个未平仓持仓")
}

func TestWeightedAverageRoundsToFourPlaces(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "100", "100"))
	require.NoError(t, err)
	p, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "50", "110"))
	require.NoError(t, err)
	assert.True(t, p.AverageEntryPrice.Equal(d("103.3333")), p.AverageEntryPrice.String())
	assertValuation(t, p)
}

func TestReduceAccruesRealizedPnL(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "200", "105"))
	require.NoError(t, err)
	p, err := m.UpdatePosition(ctx, upd("AAPL", execution.Sell, "50", "120"))
	require.NoError(t, err)

	assert.True(t, p.IsOpen)
	assert.True(t, p.Quantity.Equal(d("150")))
	assert.True(t, p.AverageEntryPrice.Equal(d("105")), "减仓不改变开仓均价")
	assert.True(t, p.RealizedPnL.Equal(d("750")))
	assert.True(t, p.UnrealizedPnL.Equal(d("2250")))
	assertValuation(t, p)
}

func TestCloseAtZero(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "10", "100"))
	require.NoError(t, err)
	p, err := m.UpdatePosition(ctx, upd("AAPL", execution.Sell, "10", "90"))
	require.NoError(t, err)

	assert.False(t, p.IsOpen)
	require.NotNil(t, p.ClosedAt)
	assert.True(t, p.Quantity.IsZero())
	assert.True(t, p.RealizedPnL.Equal(d("-100")))
	assert.Nil(t, m.CalculatePositionMetrics("AAPL"))

	_, err = m.ClosePosition(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrPositionNotOpen)

	history, err := m.History(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsOpen)
}

func TestFlipOpensOppositePosition(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("TSLA", execution.Buy, "10", "100"))
	require.NoError(t, err)
	p, err := m.UpdatePosition(ctx, upd("TSLA", execution.Sell, "15", "110"))
	require.NoError(t, err)

	assert.True(t, p.IsOpen)
	assert.Equal(t, execution.Sell, p.Side())
	assert.True(t, p.Quantity.Equal(d("-5")))
	assert.True(t, p.AverageEntryPrice.Equal(d("110")))
	assert.True(t, p.RealizedPnL.IsZero())
	assertValuation(t, p)

	history, err := m.History(ctx, "TSLA")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].RealizedPnL.Equal(d("100")))

	// 回补空头
	p, err = m.UpdatePosition(ctx, upd("TSLA", execution.Buy, "5", "100"))
	require.NoError(t, err)
	assert.False(t, p.IsOpen)
	assert.True(t, p.RealizedPnL.Equal(d("50")))
}

func TestMetricsReturnOnInvestment(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "100", "100"))
	require.NoError(t, err)
	_, err = m.RefreshPrice(ctx, "AAPL", d("98"))
	require.NoError(t, err)

	metrics := m.CalculatePositionMetrics("AAPL")
	require.NotNil(t, metrics)
	assert.True(t, metrics.ReturnOnInvestment.Equal(d("-2")))
	assert.True(t, metrics.UnrealizedPnLPercent.Equal(d("-2")))
	assert.True(t, metrics.UnrealizedPnL.Equal(d("-200")))
	assert.True(t, metrics.CostBasis.Equal(d("10000")))

	_, err = m.RefreshPrice(ctx, "AAPL", d("103.456"))
	require.NoError(t, err)
	metrics = m.CalculatePositionMetrics("AAPL")
	assert.True(t, metrics.CurrentPrice.Equal(d("103.46")), "价格保留两位小数")
	assert.True(t, metrics.ReturnOnInvestment.Equal(d("3.46")))
}

func TestShortReturnOnInvestment(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("TSLA", execution.Sell, "10", "200"))
	require.NoError(t, err)
	_, err = m.RefreshPrice(ctx, "TSLA", d("190"))
	require.NoError(t, err)

	metrics := m.CalculatePositionMetrics("TSLA")
	require.NotNil(t, metrics)
	assert.True(t, metrics.UnrealizedPnL.Equal(d("100")))
	assert.True(t, metrics.ReturnOnInvestment.Equal(d("5")))
}

func TestClosePositionRealizesAtMark(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("MSFT", execution.Buy, "10", "50"))
	require.NoError(t, err)
	_, err = m.RefreshPrice(ctx, "MSFT", d("55"))
	require.NoError(t, err)

	closed, err := m.ClosePosition(ctx, "MSFT")
	require.NoError(t, err)
	assert.False(t, closed.IsOpen)
	assert.True(t, closed.RealizedPnL.Equal(d("50")))
	assert.True(t, closed.MarketValue.IsZero())
	assert.Nil(t, m.CalculatePositionMetrics("MSFT"))

	_, ok := m.Snapshot("MSFT")
	assert.False(t, ok)

	// 平仓后再买入开新仓
	p, err := m.UpdatePosition(ctx, upd("MSFT", execution.Buy, "1", "60"))
	require.NoError(t, err)
	assert.NotEqual(t, closed.ID, p.ID)
}

func TestRefreshWithoutPosition(t *testing.T) {
	_, err := newManager().RefreshPrice(context.Background(), "NONE", d("10"))
	assert.ErrorIs(t, err, ErrPositionNotOpen)
}

func TestDayPnL(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "10", "100"))
	require.NoError(t, err)
	p, err := m.RefreshPrice(ctx, "AAPL", d("110"))
	require.NoError(t, err)
	assert.True(t, p.DayPnL.Equal(d("100")))

	day2 := day1.Add(24 * time.Hour)
	m.now = func() time.Time { return day2 }
	p, err = m.RefreshPrice(ctx, "AAPL", d("115"))
	require.NoError(t, err)
	assert.True(t, p.DayPnL.Equal(d("50")), "第二天只计算当天的变动: %s", p.DayPnL)

	sell := upd("AAPL", execution.Sell, "10", "115")
	sell.Timestamp = day2
	p, err = m.UpdatePosition(ctx, sell)
	require.NoError(t, err)
	assert.False(t, p.IsOpen)
	assert.True(t, p.RealizedPnL.Equal(d("150")))
	assert.True(t, p.DayPnL.Equal(d("50")), p.DayPnL.String())
}

func TestInvalidUpdates(t *testing.T) {
	m := newManager()
	bad := []PositionUpdate{
		upd("", execution.Buy, "1", "1"),
		upd("AAPL", "hold", "1", "1"),
		upd("AAPL", execution.Buy, "0", "1"),
		upd("AAPL", execution.Buy, "1", "-1"),
	}
	for i, u := range bad {
		_, err := m.UpdatePosition(context.Background(), u)
		assert.ErrorIs(t, err, ErrInvalidUpdate, "case %d", i)
	}
}

func TestSaveFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepo{MemoryRepository: NewMemoryRepository()}
	m := NewManager(repo)

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "10", "100"))
	require.NoError(t, err)

	repo.fail = true
	_, err = m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "10", "200"))
	require.Error(t, err)
	_, err = m.ClosePosition(ctx, "AAPL")
	require.Error(t, err)

	p, ok := m.Snapshot("AAPL")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("10")))
	assert.True(t, p.AverageEntryPrice.Equal(d("100")))
}

func TestValuationInvariantOverManyUpdates(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	rng := rand.New(rand.NewSource(7))

	net := decimal.Zero
	for i := 0; i < 1000; i++ {
		side := execution.Buy
		if rng.Intn(2) == 0 {
			side = execution.Sell
		}
		qty := decimal.NewFromInt(int64(rng.Intn(50) + 1))
		price := decimal.New(int64(rng.Intn(10000)+5000), -2)

		p, err := m.UpdatePosition(ctx, PositionUpdate{
			Symbol:    "SPY",
			Side:      side,
			Quantity:  qty,
			Price:     price,
			Timestamp: day1,
		})
		require.NoError(t, err)
		net = net.Add(qty.Mul(side.Sign()))

		assertValuation(t, p)
		if net.IsZero() {
			assert.False(t, p.IsOpen, "step %d", i)
			continue
		}
		require.True(t, p.IsOpen, "step %d", i)
		assert.True(t, p.Quantity.Equal(net), "step %d: %s != %s", i, p.Quantity, net)

		if i%10 == 0 {
			p, err = m.RefreshPrice(ctx, "SPY", decimal.New(int64(rng.Intn(10000)+5000), -2))
			require.NoError(t, err)
			assertValuation(t, p)
		}
	}
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	m := newManager()
	symbols := []string{"AAPL", "MSFT", "NVDA"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		for w := 0; w < 10; w++ {
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					_, err := m.UpdatePosition(ctx, upd(sym, execution.Buy, "1", "100"))
					assert.NoError(t, err)
					_ = m.CalculatePositionMetrics(sym)
				}
			}(sym)
		}
	}
	wg.Wait()

	open := m.OpenPositions()
	require.Len(t, open, len(symbols))
	for _, p := range open {
		assert.True(t, p.Quantity.Equal(d("200")), "%s: %s", p.Symbol, p.Quantity)
		assertValuation(t, p)
	}
}

func TestDatabaseRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewManager(NewDatabaseRepository(db))
	m.SetLocation(time.UTC)
	m.now = func() time.Time { return day1 }
	for i, sym := range []string{"AAPL", "MSFT"} {
		_, err := m.UpdatePosition(ctx, upd(sym, execution.Buy, fmt.Sprint(10*(i+1)), "100"))
		require.NoError(t, err)
	}
	_, err = m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "10", "110"))
	require.NoError(t, err)
	_, err = m.ClosePosition(ctx, "MSFT")
	require.NoError(t, err)

	restored := NewManager(NewDatabaseRepository(db))
	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, ok := restored.Snapshot("AAPL")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("20")))
	assert.True(t, p.AverageEntryPrice.Equal(d("105")))
	assertValuation(t, p)
	assert.Nil(t, restored.CalculatePositionMetrics("MSFT"))

	history, err := restored.History(ctx, "MSFT")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsOpen)
}

func TestSellWithoutPositionRejectedWhenShortDisabled(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryRepository())
	assert.False(t, m.AllowShort())

	_, err := m.UpdatePosition(ctx, upd("AAPL", execution.Sell, "10", "100"))
	assert.ErrorIs(t, err, ErrShortNotAllowed)
	_, ok := m.Snapshot("AAPL")
	assert.False(t, ok)

	// 卖出超过持有数量同样拒绝，原持仓不变
	_, err = m.UpdatePosition(ctx, upd("AAPL", execution.Buy, "10", "100"))
	require.NoError(t, err)
	_, err = m.UpdatePosition(ctx, upd("AAPL", execution.Sell, "15", "110"))
	assert.ErrorIs(t, err, ErrShortNotAllowed)
	p, ok := m.Snapshot("AAPL")
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("10")))

	// 全部卖出正常平仓
	p, err = m.UpdatePosition(ctx, upd("AAPL", execution.Sell, "10", "110"))
	require.NoError(t, err)
	assert.False(t, p.IsOpen)
	assert.True(t, p.RealizedPnL.Equal(d("100")))
}

func TestLoadRevaluesStoredPosition(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// 旧库按 4 位小数截断过的市值
	require.NoError(t, db.SavePosition(ctx, &database.PositionRecord{
		PositionID:        "p-1",
		Symbol:            "AAPL",
		IsOpen:            true,
		Quantity:          d("0.1234"),
		AverageEntryPrice: d("100.1234"),
		CurrentPrice:      d("101.57"),
		MarketValue:       d("12.5337"),
		UnrealizedPnL:     d("0.1782"),
		OpenedAt:          day1,
		UpdatedAt:         day1,
	}))

	m := NewManager(NewDatabaseRepository(db))
	n, err := m.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	p, ok := m.Snapshot("AAPL")
	require.True(t, ok)
	assert.True(t, p.MarketValue.Equal(d("12.533738")), "market value %s", p.MarketValue)
	assertValuation(t, p)
}
