package database

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// Database 数据库接口
type Database interface {
	// 阶段任务
	SaveJob(ctx context.Context, job *JobRecord) error
	GetJob(ctx context.Context, id string) (*JobRecord, error)
	ListJobs(ctx context.Context, filter *JobFilter) ([]*JobRecord, error)
	// ClaimNextJob 原子认领下一个可执行的任务（优先级高 -> notBefore 早 -> 创建早），无任务时返回 nil
	ClaimNextJob(ctx context.Context, now time.Time) (*JobRecord, error)
	CountJobs(ctx context.Context, now time.Time) (*JobCounts, error)
	DeleteJobs(ctx context.Context, statuses []string, finishedBefore time.Time) (int64, error)

	// 系统状态（单键）
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	// 持仓
	SavePosition(ctx context.Context, pos *PositionRecord) error
	GetOpenPositions(ctx context.Context) ([]*PositionRecord, error)
	GetPositionHistory(ctx context.Context, symbol string) ([]*PositionRecord, error)

	// 成交（只追加，按 execution_id 幂等）
	SaveExecution(ctx context.Context, exec *ExecutionRecord) (bool, error)
	GetExecutions(ctx context.Context, filter *ExecutionFilter) ([]*ExecutionRecord, error)

	// 交易周期
	SaveCycle(ctx context.Context, cycle *CycleRecord) error
	GetCycle(ctx context.Context, correlationID string) (*CycleRecord, error)

	// 风控记录
	SaveRiskCheck(ctx context.Context, check *RiskCheck) error
	GetRiskChecks(ctx context.Context, filter *RiskCheckFilter) ([]*RiskCheck, error)

	// 审计日志
	SaveAuditLog(ctx context.Context, log *AuditLog) error
	GetAuditLogs(ctx context.Context, filter *AuditLogFilter) ([]*AuditLog, error)

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// JobRecord 阶段任务记录
type JobRecord struct {
	ID            string     `gorm:"primaryKey;size:64" json:"id"`
	Stage         string     `gorm:"index;size:32" json:"stage"`
	CorrelationID string     `gorm:"index;size:64" json:"correlation_id"`
	Payload       string     `gorm:"type:text" json:"payload"`
	Output        string     `gorm:"type:text" json:"output"`
	Priority      int        `gorm:"index:idx_job_claim,priority:1" json:"priority"`
	Status        string     `gorm:"index:idx_job_claim,priority:2;size:16" json:"status"` // waiting, active, completed, failed
	NotBefore     time.Time  `gorm:"index:idx_job_claim,priority:3" json:"not_before"`
	Sequence      int64      `json:"sequence"`
	AttemptsMade  int        `json:"attempts_made"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `gorm:"type:text" json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `gorm:"index" json:"finished_at"`
}

// JobCounts 任务数量统计，Delayed 为 notBefore 尚未到达的等待任务
type JobCounts struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// SystemState 系统状态键值
type SystemState struct {
	Key       string    `gorm:"primaryKey;size:64" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PositionRecord 持仓记录（每个品种最多一条 is_open=true）
// 市值和浮动盈亏是 数量(4位) x 价格 的精确乘积，保留 8 位小数
type PositionRecord struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PositionID        string          `gorm:"uniqueIndex;size:64" json:"position_id"`
	Symbol            string          `gorm:"index:idx_position_symbol_open;size:32" json:"symbol"`
	IsOpen            bool            `gorm:"index:idx_position_symbol_open" json:"is_open"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity"`
	AverageEntryPrice decimal.Decimal `gorm:"type:decimal(20,4)" json:"average_entry_price"`
	CurrentPrice      decimal.Decimal `gorm:"type:decimal(20,4)" json:"current_price"`
	MarketValue       decimal.Decimal `gorm:"type:decimal(28,8)" json:"market_value"`
	UnrealizedPnL     decimal.Decimal `gorm:"type:decimal(28,8)" json:"unrealized_pnl"`
	RealizedPnL       decimal.Decimal `gorm:"type:decimal(20,4)" json:"realized_pnl"`
	DayPnL            decimal.Decimal `gorm:"type:decimal(28,8)" json:"day_pnl"`
	DayStartValue     decimal.Decimal `gorm:"type:decimal(28,8)" json:"day_start_value"`
	DayRealizedPnL    decimal.Decimal `gorm:"type:decimal(20,4)" json:"day_realized_pnl"`
	DayDate           string          `gorm:"size:10" json:"day_date"`
	StrategyName      string          `gorm:"size:64" json:"strategy_name"`
	CorrelationID     string          `gorm:"index;size:64" json:"correlation_id"`
	OpenedAt          time.Time       `json:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ExecutionRecord 成交记录
type ExecutionRecord struct {
	Seq           int64           `gorm:"primaryKey;autoIncrement" json:"seq"`
	ExecutionID   string          `gorm:"uniqueIndex;size:64" json:"execution_id"`
	OrderID       string          `gorm:"size:64" json:"order_id"`
	Symbol        string          `gorm:"index;size:32" json:"symbol"`
	Side          string          `gorm:"size:8" json:"side"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4)" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(20,4)" json:"price"`
	ExecutedAt    time.Time       `json:"executed_at"`
	CorrelationID string          `gorm:"index;size:64" json:"correlation_id"`
	StrategyName  string          `gorm:"size:64" json:"strategy_name"`
	CreatedAt     time.Time       `json:"created_at"`
}

// CycleRecord 交易周期记录，Stages 为各阶段状态的 JSON
type CycleRecord struct {
	CorrelationID string     `gorm:"primaryKey;size:64" json:"correlation_id"`
	Status        string     `gorm:"index;size:16" json:"status"` // running, completed, failed
	Symbols       string     `gorm:"type:text" json:"symbols"`
	Stages        string     `gorm:"type:text" json:"stages"`
	FailedStage   string     `gorm:"size:32" json:"failed_stage"`
	FailureReason string     `gorm:"type:text" json:"failure_reason"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RiskCheck 风控检查记录
type RiskCheck struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Symbol        string    `gorm:"index;size:32" json:"symbol"`
	CorrelationID string    `gorm:"index;size:64" json:"correlation_id"`
	Kind          string    `gorm:"size:32" json:"kind"` // pre_trade, exposure, stop_loss, take_profit
	Approved      bool      `gorm:"index" json:"approved"`
	Reason        string    `gorm:"type:text" json:"reason"`
	Details       string    `gorm:"type:text" json:"details"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// AuditLog 审计日志
type AuditLog struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	CorrelationID string    `gorm:"index;size:64" json:"correlation_id"`
	Stage         string    `gorm:"size:32" json:"stage"`
	EventType     string    `gorm:"index;size:50" json:"event_type"`
	Severity      string    `gorm:"size:20" json:"severity"` // info, warning, critical
	Title         string    `gorm:"size:200" json:"title"`
	Message       string    `gorm:"type:text" json:"message"`
	Details       string    `gorm:"type:text" json:"details"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

// LogRecord 持久化的系统日志
type LogRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	Level     string    `gorm:"index;size:10;not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
}

// 过滤器

// JobFilter 任务过滤器
type JobFilter struct {
	Statuses      []string
	Stage         string
	CorrelationID string
	Limit         int
}

// ExecutionFilter 成交过滤器（按插入顺序返回）
type ExecutionFilter struct {
	Symbol        string
	CorrelationID string
	Since         *time.Time
	Limit         int
}

// RiskCheckFilter 风控记录过滤器
type RiskCheckFilter struct {
	Symbol        string
	CorrelationID string
	Approved      *bool
	StartTime     *time.Time
	Limit         int
}

// AuditLogFilter 审计日志过滤器
type AuditLogFilter struct {
	CorrelationID string
	EventType     string
	Limit         int
}

// LogFilter 日志过滤器（按时间倒序返回）
type LogFilter struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}
