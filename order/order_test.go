package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/time/rate"

	"smartalpaca/config"
	"smartalpaca/correlation"
	"smartalpaca/execution"
	"smartalpaca/lock"
)

type fakeBroker struct {
	mu       sync.Mutex
	calls    int
	err      error
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*Fill, error) {
	n := atomic.AddInt32(&b.inFlight, 1)
	defer atomic.AddInt32(&b.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&b.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&b.maxSeen, seen, n) {
			break
		}
	}

	b.mu.Lock()
	b.calls++
	id := b.calls
	err := b.err
	b.mu.Unlock()

	if b.delay > 0 {
		select {
		case <-time.After(b.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &Fill{
		OrderID:     fmt.Sprintf("ord-%d", id),
		FilledQty:   req.Quantity,
		FilledPrice: decimal.RequireFromString("150.00"),
	}, nil
}

func (b *fakeBroker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func marketBuy(symbol string, qty int64) OrderRequest {
	return OrderRequest{
		Symbol:        symbol,
		Side:          execution.Buy,
		Quantity:      decimal.NewFromInt(qty),
		Type:          Market,
		CorrelationID: correlation.ID("cid-order"),
		StrategyName:  "momentum",
	}
}

func newExecutor(b Broker) *Executor {
	return NewExecutor(b, lock.NewMemoryLock(), ExecutorConfig{RateLimit: 1000, Burst: 100, Timeout: time.Second})
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(r *OrderRequest)
		field  string
	}{
		"symbol":      {func(r *OrderRequest) { r.Symbol = " " }, "symbol"},
		"side":        {func(r *OrderRequest) { r.Side = "short" }, "side"},
		"zero qty":    {func(r *OrderRequest) { r.Quantity = decimal.Zero }, "quantity"},
		"neg qty":     {func(r *OrderRequest) { r.Quantity = decimal.NewFromInt(-5) }, "quantity"},
		"type":        {func(r *OrderRequest) { r.Type = "stop" }, "type"},
		"limit price": {func(r *OrderRequest) { r.Type = Limit }, "limit_price"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := marketBuy("AAPL", 10)
			tc.mutate(&req)
			var invalid *InvalidOrderError
			require.ErrorAs(t, req.Validate(), &invalid)
			assert.Equal(t, tc.field, invalid.Field)
		})
	}

	req := marketBuy("AAPL", 10)
	req.Type = Limit
	req.LimitPrice = decimal.NewFromInt(150)
	assert.NoError(t, req.Validate())
}

func TestPlaceInvalidNeverCallsBroker(t *testing.T) {
	b := &fakeBroker{}
	_, err := newExecutor(b).Place(context.Background(), marketBuy("AAPL", 0))

	var invalid *InvalidOrderError
	require.ErrorAs(t, err, &invalid)
	var placement *PlacementError
	assert.False(t, errors.As(err, &placement))
	assert.Equal(t, 0, b.callCount())
}

func TestPlaceSuccess(t *testing.T) {
	b := &fakeBroker{}
	req := marketBuy("AAPL", 10)
	fill, err := newExecutor(b).Place(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "ord-1", fill.OrderID)
	assert.Equal(t, "AAPL", fill.Symbol)
	assert.Equal(t, execution.Buy, fill.Side)
	assert.NotEmpty(t, fill.ClientOrderID)
	assert.False(t, fill.FilledAt.IsZero())

	exec := fill.Execution(req)
	require.NoError(t, exec.Validate())
	assert.Equal(t, "exe-ord-1", exec.ExecutionID)
	assert.Equal(t, correlation.ID("cid-order"), exec.CorrelationID)
	assert.Equal(t, "momentum", exec.StrategyName)
}

func TestPlaceBrokerFailure(t *testing.T) {
	b := &fakeBroker{err: errors.New("insufficient buying power")}
	_, err := newExecutor(b).Place(context.Background(), marketBuy("AAPL", 10))

	var placement *PlacementError
	require.ErrorAs(t, err, &placement)
	assert.Equal(t, "AAPL", placement.Symbol)
	assert.Contains(t, err.Error(), "insufficient buying power")
	assert.Equal(t, 1, b.callCount())
}

func TestPlaceTimeout(t *testing.T) {
	b := &fakeBroker{delay: time.Second}
	ex := NewExecutor(b, nil, ExecutorConfig{Timeout: 20 * time.Millisecond})

	_, err := ex.Place(context.Background(), marketBuy("AAPL", 10))
	var placement *PlacementError
	require.ErrorAs(t, err, &placement)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlaceSerializesPerSymbol(t *testing.T) {
	b := &fakeBroker{delay: 5 * time.Millisecond}
	ex := newExecutor(b)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ex.Place(context.Background(), marketBuy("AAPL", 1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, b.callCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.maxSeen), "同一品种不能并发下单")
}

func TestPlaceCancelledContext(t *testing.T) {
	b := &fakeBroker{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newExecutor(b).Place(ctx, marketBuy("AAPL", 1))
	require.Error(t, err)
	assert.Equal(t, 0, b.callCount())
}

func TestOnConfigChangeRateLimit(t *testing.T) {
	e := NewExecutor(&fakeBroker{}, nil, ExecutorConfig{RateLimit: 1, Burst: 1})
	assert.Equal(t, rate.Limit(1), e.rateLimiter.Limit())

	cfg := &config.Config{}
	cfg.Order.RateLimit = 20
	cfg.Order.Burst = 4
	require.NoError(t, e.OnConfigChange(nil, cfg, nil))
	assert.Equal(t, rate.Limit(20), e.rateLimiter.Limit())
	assert.Equal(t, 4, e.rateLimiter.Burst())

	// 0 表示不限流
	cfg.Order.RateLimit = 0
	require.NoError(t, e.OnConfigChange(nil, cfg, nil))
	assert.Equal(t, rate.Inf, e.rateLimiter.Limit())
}
