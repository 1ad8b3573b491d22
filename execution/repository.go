package execution

import (
	"context"
	"sync"

	"smartalpaca/correlation"
	"smartalpaca/database"
)

// Repository 成交存储：只追加，按 ExecutionID 幂等，按插入顺序读取
type Repository interface {
	// Append 已存在相同 ExecutionID 时不写入并返回 false
	Append(ctx context.Context, exec TradeExecution) (bool, error)
	BySymbol(ctx context.Context, symbol string) ([]TradeExecution, error)
	ByCorrelation(ctx context.Context, cid correlation.ID) ([]TradeExecution, error)
}

// MemoryRepository 内存实现
type MemoryRepository struct {
	mu    sync.RWMutex
	log   []TradeExecution
	seen  map[string]struct{}
	index map[string][]int
	byCID map[correlation.ID][]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		seen:  make(map[string]struct{}),
		index: make(map[string][]int),
		byCID: make(map[correlation.ID][]int),
	}
}

func (r *MemoryRepository) Append(ctx context.Context, exec TradeExecution) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[exec.ExecutionID]; ok {
		return false, nil
	}
	r.seen[exec.ExecutionID] = struct{}{}
	r.log = append(r.log, exec)
	pos := len(r.log) - 1
	r.index[exec.Symbol] = append(r.index[exec.Symbol], pos)
	if !exec.CorrelationID.IsZero() {
		r.byCID[exec.CorrelationID] = append(r.byCID[exec.CorrelationID], pos)
	}
	return true, nil
}

func (r *MemoryRepository) BySymbol(ctx context.Context, symbol string) ([]TradeExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.index[symbol]), nil
}

func (r *MemoryRepository) ByCorrelation(ctx context.Context, cid correlation.ID) ([]TradeExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCID[cid]), nil
}

func (r *MemoryRepository) collect(positions []int) []TradeExecution {
	out := make([]TradeExecution, 0, len(positions))
	for _, p := range positions {
		out = append(out, r.log[p])
	}
	return out
}

// DatabaseRepository 数据库实现
type DatabaseRepository struct {
	db database.Database
}

func NewDatabaseRepository(db database.Database) *DatabaseRepository {
	return &DatabaseRepository{db: db}
}

func (r *DatabaseRepository) Append(ctx context.Context, exec TradeExecution) (bool, error) {
	return r.db.SaveExecution(ctx, &database.ExecutionRecord{
		ExecutionID:   exec.ExecutionID,
		OrderID:       exec.OrderID,
		Symbol:        exec.Symbol,
		Side:          string(exec.Side),
		Quantity:      exec.Quantity,
		Price:         exec.Price,
		ExecutedAt:    exec.ExecutedAt.UTC(),
		CorrelationID: exec.CorrelationID.String(),
		StrategyName:  exec.StrategyName,
	})
}

func (r *DatabaseRepository) BySymbol(ctx context.Context, symbol string) ([]TradeExecution, error) {
	return r.query(ctx, &database.ExecutionFilter{Symbol: symbol})
}

func (r *DatabaseRepository) ByCorrelation(ctx context.Context, cid correlation.ID) ([]TradeExecution, error) {
	return r.query(ctx, &database.ExecutionFilter{CorrelationID: cid.String()})
}

func (r *DatabaseRepository) query(ctx context.Context, filter *database.ExecutionFilter) ([]TradeExecution, error) {
	recs, err := r.db.GetExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]TradeExecution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, TradeExecution{
			ExecutionID:   rec.ExecutionID,
			OrderID:       rec.OrderID,
			Symbol:        rec.Symbol,
			Side:          Side(rec.Side),
			Quantity:      rec.Quantity,
			Price:         rec.Price,
			ExecutedAt:    rec.ExecutedAt,
			CorrelationID: correlation.ID(rec.CorrelationID),
			StrategyName:  rec.StrategyName,
		})
	}
	return out, nil
}
