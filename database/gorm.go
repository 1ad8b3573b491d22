package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// 认领冲突时的重试次数
const claimRetries = 5

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&JobRecord{},
		&SystemState{},
		&PositionRecord{},
		&ExecutionRecord{},
		&CycleRecord{},
		&RiskCheck{},
		&AuditLog{},
		&LogRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SaveJob 保存任务（存在则整体更新）
func (g *GormDatabase) SaveJob(ctx context.Context, job *JobRecord) error {
	return g.db.WithContext(ctx).Save(job).Error
}

// GetJob 获取任务，不存在时返回 nil
func (g *GormDatabase) GetJob(ctx context.Context, id string) (*JobRecord, error) {
	var job JobRecord
	err := g.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs 查询任务
func (g *GormDatabase) ListJobs(ctx context.Context, filter *JobFilter) ([]*JobRecord, error) {
	query := g.db.WithContext(ctx).Model(&JobRecord{})

	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Stage != "" {
		query = query.Where("stage = ?", filter.Stage)
	}
	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}

	query = query.Order("sequence ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var jobs []*JobRecord
	if err := query.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimNextJob 原子认领下一个任务
// 先查出候选再做带状态条件的更新，更新行数为 0 说明被其他实例抢先，重新选择
func (g *GormDatabase) ClaimNextJob(ctx context.Context, now time.Time) (*JobRecord, error) {
	now = now.UTC()
	for i := 0; i < claimRetries; i++ {
		var candidate JobRecord
		err := g.db.WithContext(ctx).
			Where("status = ? AND not_before <= ?", "waiting", now).
			Order("priority DESC, not_before ASC, sequence ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		result := g.db.WithContext(ctx).Model(&JobRecord{}).
			Where("id = ? AND status = ?", candidate.ID, "waiting").
			Updates(map[string]interface{}{
				"status":        "active",
				"attempts_made": gorm.Expr("attempts_made + 1"),
				"started_at":    now,
				"updated_at":    now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			candidate.Status = "active"
			candidate.AttemptsMade++
			candidate.StartedAt = &now
			candidate.UpdatedAt = now
			return &candidate, nil
		}
	}
	return nil, nil
}

// CountJobs 按状态统计任务数量
func (g *GormDatabase) CountJobs(ctx context.Context, now time.Time) (*JobCounts, error) {
	type statusCount struct {
		Status string
		Count  int64
	}
	var rows []statusCount
	if err := g.db.WithContext(ctx).Model(&JobRecord{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := &JobCounts{}
	for _, r := range rows {
		switch r.Status {
		case "waiting":
			counts.Waiting = r.Count
		case "active":
			counts.Active = r.Count
		case "completed":
			counts.Completed = r.Count
		case "failed":
			counts.Failed = r.Count
		}
	}

	if err := g.db.WithContext(ctx).Model(&JobRecord{}).
		Where("status = ? AND not_before > ?", "waiting", now.UTC()).
		Count(&counts.Delayed).Error; err != nil {
		return nil, err
	}
	counts.Waiting -= counts.Delayed
	return counts, nil
}

// DeleteJobs 删除指定状态且在 finishedBefore 之前结束的任务
func (g *GormDatabase) DeleteJobs(ctx context.Context, statuses []string, finishedBefore time.Time) (int64, error) {
	result := g.db.WithContext(ctx).
		Where("status IN ? AND finished_at IS NOT NULL AND finished_at < ?", statuses, finishedBefore.UTC()).
		Delete(&JobRecord{})
	return result.RowsAffected, result.Error
}

// GetState 读取系统状态
func (g *GormDatabase) GetState(ctx context.Context, key string) (string, bool, error) {
	var state SystemState
	err := g.db.WithContext(ctx).Where(&SystemState{Key: key}).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return state.Value, true, nil
}

// SetState 写入系统状态
func (g *GormDatabase) SetState(ctx context.Context, key, value string) error {
	return g.db.WithContext(ctx).Save(&SystemState{Key: key, Value: value}).Error
}

// SavePosition 保存持仓（按 position_id 插入或更新）
func (g *GormDatabase) SavePosition(ctx context.Context, pos *PositionRecord) error {
	// 主键交给数据库，冲突只按 position_id 判断
	rec := *pos
	rec.ID = 0
	err := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}},
			UpdateAll: true,
		}).
		Create(&rec).Error
	if err != nil {
		return err
	}
	if pos.ID == 0 {
		pos.ID = rec.ID
	}
	return nil
}

// GetOpenPositions 获取所有未平仓持仓
func (g *GormDatabase) GetOpenPositions(ctx context.Context) ([]*PositionRecord, error) {
	var positions []*PositionRecord
	if err := g.db.WithContext(ctx).
		Where("is_open = ?", true).
		Order("symbol ASC").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPositionHistory 获取品种的全部持仓（含已平仓）
func (g *GormDatabase) GetPositionHistory(ctx context.Context, symbol string) ([]*PositionRecord, error) {
	var positions []*PositionRecord
	if err := g.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("id ASC").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// SaveExecution 保存成交，execution_id 已存在时不写入并返回 false
func (g *GormDatabase) SaveExecution(ctx context.Context, exec *ExecutionRecord) (bool, error) {
	result := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "execution_id"}},
			DoNothing: true,
		}).
		Create(exec)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// GetExecutions 查询成交（按插入顺序）
func (g *GormDatabase) GetExecutions(ctx context.Context, filter *ExecutionFilter) ([]*ExecutionRecord, error) {
	query := g.db.WithContext(ctx).Model(&ExecutionRecord{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.Since != nil {
		query = query.Where("executed_at >= ?", filter.Since.UTC())
	}

	query = query.Order("seq ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var execs []*ExecutionRecord
	if err := query.Find(&execs).Error; err != nil {
		return nil, err
	}
	return execs, nil
}

// SaveCycle 保存交易周期
func (g *GormDatabase) SaveCycle(ctx context.Context, cycle *CycleRecord) error {
	return g.db.WithContext(ctx).Save(cycle).Error
}

// GetCycle 获取交易周期，不存在时返回 nil
func (g *GormDatabase) GetCycle(ctx context.Context, correlationID string) (*CycleRecord, error) {
	var cycle CycleRecord
	err := g.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&cycle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cycle, nil
}

// SaveRiskCheck 保存风控检查记录
func (g *GormDatabase) SaveRiskCheck(ctx context.Context, check *RiskCheck) error {
	return g.db.WithContext(ctx).Create(check).Error
}

// GetRiskChecks 获取风控检查记录
func (g *GormDatabase) GetRiskChecks(ctx context.Context, filter *RiskCheckFilter) ([]*RiskCheck, error) {
	query := g.db.WithContext(ctx).Model(&RiskCheck{})

	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.Approved != nil {
		query = query.Where("approved = ?", *filter.Approved)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime.UTC())
	}

	query = query.Order("id DESC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var checks []*RiskCheck
	if err := query.Find(&checks).Error; err != nil {
		return nil, err
	}
	return checks, nil
}

// SaveAuditLog 保存审计日志
func (g *GormDatabase) SaveAuditLog(ctx context.Context, log *AuditLog) error {
	return g.db.WithContext(ctx).Create(log).Error
}

// GetAuditLogs 获取审计日志（按时间顺序）
func (g *GormDatabase) GetAuditLogs(ctx context.Context, filter *AuditLogFilter) ([]*AuditLog, error) {
	query := g.db.WithContext(ctx).Model(&AuditLog{})

	if filter.CorrelationID != "" {
		query = query.Where("correlation_id = ?", filter.CorrelationID)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", filter.EventType)
	}

	query = query.Order("id ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var logs []*AuditLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// SaveLogs 批量写入日志
func (g *GormDatabase) SaveLogs(ctx context.Context, logs []*LogRecord) error {
	if len(logs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).CreateInBatches(logs, 100).Error
}

// QueryLogs 查询日志，返回当前页和满足条件的总数
func (g *GormDatabase) QueryLogs(ctx context.Context, filter *LogFilter) ([]*LogRecord, int64, error) {
	query := g.db.WithContext(ctx).Model(&LogRecord{})

	if !filter.StartTime.IsZero() {
		query = query.Where("timestamp >= ?", filter.StartTime.UTC())
	}
	if !filter.EndTime.IsZero() {
		query = query.Where("timestamp <= ?", filter.EndTime.UTC())
	}
	if filter.Level != "" {
		query = query.Where("level = ?", filter.Level)
	}
	if filter.Keyword != "" {
		query = query.Where("message LIKE ?", "%"+filter.Keyword+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	query = query.Order("timestamp DESC").Order("id DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var logs []*LogRecord
	if err := query.Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	return logs, total, nil
}

// DeleteLogs 删除指定级别、早于 before 的日志
func (g *GormDatabase) DeleteLogs(ctx context.Context, levels []string, before time.Time) (int64, error) {
	result := g.db.WithContext(ctx).
		Where("level IN ? AND timestamp < ?", levels, before.UTC()).
		Delete(&LogRecord{})
	return result.RowsAffected, result.Error
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
