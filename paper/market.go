// Package paper 模拟盘：随机游走行情、本地撮合券商和基于指标的分析器
package paper

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"smartalpaca/config"
	"smartalpaca/logger"
)

const (
	// 保留的历史价格数量
	historySize = 240
	// 新品种的预热步数，保证指标有足够数据
	warmupSteps = 120
	// 未配置初始价格的品种
	defaultStartPrice = 100.0
)

// Market 随机游走行情，同一个种子生成同样的价格序列
type Market struct {
	mu         sync.RWMutex
	rng        *rand.Rand
	volatility float64
	history    map[string][]float64

	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewMarket 创建行情，配置中的品种立即预热
func NewMarket(cfg *config.Config, interval time.Duration) *Market {
	seed := cfg.Paper.Seed
	if seed == 0 {
		seed = 1
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Market{
		rng:        rand.New(rand.NewSource(seed)),
		volatility: cfg.Paper.Volatility,
		history:    make(map[string][]float64),
		interval:   interval,
		ctx:        ctx,
		cancel:     cancel,
	}

	// 按品种名排序后预热，保证结果与 map 遍历顺序无关
	symbols := make([]string, 0, len(cfg.Paper.Prices))
	for s := range cfg.Paper.Prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		m.warmup(s, cfg.Paper.Prices[s])
	}
	return m
}

// warmup 调用前必须持有 mu（或在构造期间）
func (m *Market) warmup(symbol string, start float64) []float64 {
	if start <= 0 {
		start = defaultStartPrice
	}
	series := make([]float64, 0, historySize)
	series = append(series, round2(start))
	for i := 0; i < warmupSteps; i++ {
		series = append(series, m.step(series[len(series)-1]))
	}
	m.history[symbol] = series
	return series
}

// step 对数正态随机游走一步
func (m *Market) step(price float64) float64 {
	next := price * math.Exp(m.volatility*m.rng.NormFloat64())
	return math.Max(round2(next), 0.01)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// series 返回品种的价格序列，未知品种按默认价格预热
func (m *Market) series(symbol string) []float64 {
	m.mu.RLock()
	s, ok := m.history[symbol]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.history[symbol]; ok {
		return s
	}
	logger.Warn("⚠️ [模拟盘] %s 未配置初始价格，使用 %.2f", symbol, defaultStartPrice)
	return m.warmup(symbol, defaultStartPrice)
}

// CurrentPrice 最新价格
func (m *Market) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s := m.series(symbol)
	return decimal.NewFromFloat(s[len(s)-1]).Round(2), nil
}

// History 价格历史（副本，从旧到新）
func (m *Market) History(symbol string) []float64 {
	s := m.series(symbol)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]float64(nil), s...)
}

// Tick 所有品种前进一步
func (m *Market) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbols := make([]string, 0, len(m.history))
	for s := range m.history {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, s := range symbols {
		series := m.history[s]
		series = append(series, m.step(series[len(series)-1]))
		if len(series) > historySize {
			series = append([]float64(nil), series[len(series)-historySize:]...)
		}
		m.history[s] = series
	}
}

// Start 启动行情推进
func (m *Market) Start() {
	logger.Info("📈 [模拟盘] 行情已启动 (间隔: %v, 波动: %.4f)", m.interval, m.volatility)
	go m.loop()
}

// Stop 停止行情推进
func (m *Market) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Market) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}
