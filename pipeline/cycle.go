package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"smartalpaca/correlation"
	"smartalpaca/database"
	"smartalpaca/queue"
)

// StageState 阶段状态
type StageState string

const (
	StagePending   StageState = "pending"
	StageRunning   StageState = "running"
	StageCompleted StageState = "completed"
	StageFailed    StageState = "failed"
)

// CycleStatus 交易周期状态
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleFailed    CycleStatus = "failed"
)

// StageStatus 单个阶段的状态
type StageStatus struct {
	Stage      queue.Stage `json:"stage"`
	State      StageState  `json:"state"`
	JobID      string      `json:"job_id,omitempty"`
	Attempts   int         `json:"attempts,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Cycle 交易周期：一个关联ID下六个阶段的进度
type Cycle struct {
	CorrelationID correlation.ID `json:"correlation_id"`
	Status        CycleStatus    `json:"status"`
	Symbols       []string       `json:"symbols"`
	Stages        []StageStatus  `json:"stages"`
	FailedStage   queue.Stage    `json:"failed_stage,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Summary 一句话描述周期进度
func (c *Cycle) Summary() string {
	switch c.Status {
	case CycleFailed:
		return fmt.Sprintf("failed at stage %s: %s", c.FailedStage, c.FailureReason)
	case CycleCompleted:
		return "completed"
	}
	for _, s := range c.Stages {
		if s.State == StageRunning {
			return fmt.Sprintf("running stage %s", s.Stage)
		}
	}
	return "running"
}

// Stage 返回指定阶段的状态
func (c *Cycle) Stage(stage queue.Stage) *StageStatus {
	for i := range c.Stages {
		if c.Stages[i].Stage == stage {
			return &c.Stages[i]
		}
	}
	return nil
}

func (c *Cycle) clone() *Cycle {
	cp := *c
	cp.Symbols = append([]string(nil), c.Symbols...)
	cp.Stages = append([]StageStatus(nil), c.Stages...)
	return &cp
}

// CycleStore 交易周期持久化
type CycleStore interface {
	SaveCycle(ctx context.Context, cycle *database.CycleRecord) error
	GetCycle(ctx context.Context, correlationID string) (*database.CycleRecord, error)
}

// CycleTracker 记录每个交易周期的阶段进度
// 进行中的周期缓存在内存里，结束后只从存储读取
type CycleTracker struct {
	store CycleStore
	now   func() time.Time

	mu     sync.Mutex
	active map[correlation.ID]*Cycle
}

// NewCycleTracker 创建周期追踪器
func NewCycleTracker(store CycleStore) *CycleTracker {
	return &CycleTracker{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		active: make(map[correlation.ID]*Cycle),
	}
}

// Start 登记新周期，所有阶段为 pending
func (t *CycleTracker) Start(ctx context.Context, cid correlation.ID, symbols []string) (*Cycle, error) {
	c := &Cycle{
		CorrelationID: cid,
		Status:        CycleRunning,
		Symbols:       append([]string(nil), symbols...),
		StartedAt:     t.now(),
	}
	for _, st := range queue.Stages {
		c.Stages = append(c.Stages, StageStatus{Stage: st, State: StagePending})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.persist(ctx, c); err != nil {
		return nil, err
	}
	t.active[cid] = c
	return c.clone(), nil
}

// MarkRunning 阶段开始（重试时更新尝试次数）
func (t *CycleTracker) MarkRunning(ctx context.Context, cid correlation.ID, stage queue.Stage, jobID string, attempt int) error {
	return t.update(ctx, cid, func(c *Cycle) {
		s := c.Stage(stage)
		if s == nil {
			return
		}
		now := t.now()
		s.State = StageRunning
		s.JobID = jobID
		s.Attempts = attempt
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
	})
}

// MarkCompleted 阶段完成
func (t *CycleTracker) MarkCompleted(ctx context.Context, cid correlation.ID, stage queue.Stage) error {
	return t.update(ctx, cid, func(c *Cycle) {
		s := c.Stage(stage)
		if s == nil {
			return
		}
		now := t.now()
		s.State = StageCompleted
		s.Error = ""
		s.FinishedAt = &now
	})
}

// Complete 周期完成
func (t *CycleTracker) Complete(ctx context.Context, cid correlation.ID) error {
	return t.finish(ctx, cid, func(c *Cycle) {
		c.Status = CycleCompleted
	})
}

// Fail 周期在某个阶段失败，之后的阶段保持 pending
func (t *CycleTracker) Fail(ctx context.Context, cid correlation.ID, stage queue.Stage, reason string) error {
	return t.finish(ctx, cid, func(c *Cycle) {
		if s := c.Stage(stage); s != nil {
			now := t.now()
			s.State = StageFailed
			s.Error = reason
			s.FinishedAt = &now
		}
		c.Status = CycleFailed
		c.FailedStage = stage
		c.FailureReason = reason
	})
}

// Get 查询周期，不存在时返回 nil
func (t *CycleTracker) Get(ctx context.Context, cid correlation.ID) (*Cycle, error) {
	t.mu.Lock()
	if c, ok := t.active[cid]; ok {
		cp := c.clone()
		t.mu.Unlock()
		return cp, nil
	}
	t.mu.Unlock()

	rec, err := t.store.GetCycle(ctx, cid.String())
	if err != nil || rec == nil {
		return nil, err
	}
	return fromCycleRecord(rec)
}

// Active 进行中的周期数
func (t *CycleTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

func (t *CycleTracker) finish(ctx context.Context, cid correlation.ID, fn func(c *Cycle)) error {
	return t.update(ctx, cid, func(c *Cycle) {
		fn(c)
		now := t.now()
		c.FinishedAt = &now
	})
}

// update 修改并持久化；持久化失败时内存状态不变
func (t *CycleTracker) update(ctx context.Context, cid correlation.ID, fn func(c *Cycle)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.active[cid]
	if !ok {
		// 重启后缓存为空，从存储恢复
		rec, err := t.store.GetCycle(ctx, cid.String())
		if err != nil {
			return fmt.Errorf("读取交易周期失败: %w", err)
		}
		if rec == nil {
			return fmt.Errorf("交易周期不存在: %s", cid)
		}
		if current, err = fromCycleRecord(rec); err != nil {
			return err
		}
	}

	next := current.clone()
	fn(next)
	if err := t.persist(ctx, next); err != nil {
		return err
	}
	if next.Status == CycleRunning {
		t.active[cid] = next
	} else {
		delete(t.active, cid)
	}
	return nil
}

func (t *CycleTracker) persist(ctx context.Context, c *Cycle) error {
	rec, err := toCycleRecord(c)
	if err != nil {
		return err
	}
	rec.UpdatedAt = t.now()
	if err := t.store.SaveCycle(ctx, rec); err != nil {
		return fmt.Errorf("保存交易周期失败: %w", err)
	}
	return nil
}

func toCycleRecord(c *Cycle) (*database.CycleRecord, error) {
	symbols, err := json.Marshal(c.Symbols)
	if err != nil {
		return nil, err
	}
	stages, err := json.Marshal(c.Stages)
	if err != nil {
		return nil, err
	}
	return &database.CycleRecord{
		CorrelationID: c.CorrelationID.String(),
		Status:        string(c.Status),
		Symbols:       string(symbols),
		Stages:        string(stages),
		FailedStage:   string(c.FailedStage),
		FailureReason: c.FailureReason,
		StartedAt:     c.StartedAt,
		FinishedAt:    c.FinishedAt,
	}, nil
}

func fromCycleRecord(rec *database.CycleRecord) (*Cycle, error) {
	c := &Cycle{
		CorrelationID: correlation.ID(rec.CorrelationID),
		Status:        CycleStatus(rec.Status),
		FailedStage:   queue.Stage(rec.FailedStage),
		FailureReason: rec.FailureReason,
		StartedAt:     rec.StartedAt,
		FinishedAt:    rec.FinishedAt,
	}
	if rec.Symbols != "" {
		if err := json.Unmarshal([]byte(rec.Symbols), &c.Symbols); err != nil {
			return nil, fmt.Errorf("解析交易周期品种失败: %w", err)
		}
	}
	if rec.Stages != "" {
		if err := json.Unmarshal([]byte(rec.Stages), &c.Stages); err != nil {
			return nil, fmt.Errorf("解析交易周期阶段失败: %w", err)
		}
	}
	return c, nil
}
