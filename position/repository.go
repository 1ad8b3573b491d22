package position

import (
	"context"
	"sort"
	"sync"

	"smartalpaca/correlation"
	"smartalpaca/database"
)

// Repository 持仓存储
type Repository interface {
	// Save 按 Position.ID 插入或覆盖
	Save(ctx context.Context, p *Position) error
	LoadOpen(ctx context.Context) ([]*Position, error)
	// History 品种的全部持仓（含已平仓），按开仓顺序
	History(ctx context.Context, symbol string) ([]*Position, error)
}

// MemoryRepository 内存实现
type MemoryRepository struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]*Position
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*Position)}
}

func (r *MemoryRepository) Save(ctx context.Context, p *Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[p.ID]; !ok {
		r.order = append(r.order, p.ID)
	}
	r.byID[p.ID] = p.clone()
	return nil
}

func (r *MemoryRepository) LoadOpen(ctx context.Context) ([]*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Position
	for _, id := range r.order {
		if p := r.byID[id]; p.IsOpen {
			out = append(out, p.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *MemoryRepository) History(ctx context.Context, symbol string) ([]*Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Position
	for _, id := range r.order {
		if p := r.byID[id]; p.Symbol == symbol {
			out = append(out, p.clone())
		}
	}
	return out, nil
}

// DatabaseRepository 数据库实现
type DatabaseRepository struct {
	db database.Database
}

func NewDatabaseRepository(db database.Database) *DatabaseRepository {
	return &DatabaseRepository{db: db}
}

func (r *DatabaseRepository) Save(ctx context.Context, p *Position) error {
	return r.db.SavePosition(ctx, toRecord(p))
}

func (r *DatabaseRepository) LoadOpen(ctx context.Context) ([]*Position, error) {
	recs, err := r.db.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	return fromRecords(recs), nil
}

func (r *DatabaseRepository) History(ctx context.Context, symbol string) ([]*Position, error) {
	recs, err := r.db.GetPositionHistory(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return fromRecords(recs), nil
}

func toRecord(p *Position) *database.PositionRecord {
	rec := &database.PositionRecord{
		PositionID:        p.ID,
		Symbol:            p.Symbol,
		IsOpen:            p.IsOpen,
		Quantity:          p.Quantity,
		AverageEntryPrice: p.AverageEntryPrice,
		CurrentPrice:      p.CurrentPrice,
		MarketValue:       p.MarketValue,
		UnrealizedPnL:     p.UnrealizedPnL,
		RealizedPnL:       p.RealizedPnL,
		DayPnL:            p.DayPnL,
		DayStartValue:     p.dayStartPnL,
		DayRealizedPnL:    p.dayRealizedPnL,
		DayDate:           p.dayDate,
		StrategyName:      p.StrategyName,
		CorrelationID:     p.CorrelationID.String(),
		OpenedAt:          p.OpenedAt.UTC(),
		UpdatedAt:         p.UpdatedAt.UTC(),
	}
	if p.ClosedAt != nil {
		t := p.ClosedAt.UTC()
		rec.ClosedAt = &t
	}
	return rec
}

func fromRecords(recs []*database.PositionRecord) []*Position {
	out := make([]*Position, 0, len(recs))
	for _, rec := range recs {
		p := &Position{
			ID:                rec.PositionID,
			Symbol:            rec.Symbol,
			Quantity:          rec.Quantity,
			AverageEntryPrice: rec.AverageEntryPrice,
			CurrentPrice:      rec.CurrentPrice,
			RealizedPnL:       rec.RealizedPnL,
			IsOpen:            rec.IsOpen,
			StrategyName:      rec.StrategyName,
			CorrelationID:     correlation.ID(rec.CorrelationID),
			OpenedAt:          rec.OpenedAt,
			ClosedAt:          rec.ClosedAt,
			UpdatedAt:         rec.UpdatedAt,
			dayDate:           rec.DayDate,
			dayStartPnL:       rec.DayStartValue,
			dayRealizedPnL:    rec.DayRealizedPnL,
		}
		p.revalue()
		out = append(out, p)
	}
	return out
}
