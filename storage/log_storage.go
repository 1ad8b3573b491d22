// Package storage 系统日志持久化：异步批量写入数据库，定期按级别清理
package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"smartalpaca/database"
	"smartalpaca/logger"
	"smartalpaca/utils"
)

const (
	// 写入缓冲区大小，满了丢弃
	bufferSize = 500
	// 达到该数量立即写入
	batchSize = 100
	// 查询默认/最大条数
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// LogStore 日志表
type LogStore interface {
	SaveLogs(ctx context.Context, logs []*database.LogRecord) error
	QueryLogs(ctx context.Context, filter *database.LogFilter) ([]*database.LogRecord, int64, error)
	DeleteLogs(ctx context.Context, levels []string, before time.Time) (int64, error)
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogStorage 日志存储
type LogStorage struct {
	store         LogStore
	flushInterval time.Duration

	mu      sync.RWMutex
	logCh   chan *database.LogRecord
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewLogStorage 创建日志存储并启动写入协程
func NewLogStorage(store LogStore) *LogStorage {
	ls := &LogStorage{
		store:         store,
		flushInterval: time.Second,
		logCh:         make(chan *database.LogRecord, bufferSize),
		done:          make(chan struct{}),
	}
	go ls.processLogs()
	return ls
}

// WriteLog 写入日志（异步，不阻塞）
func (ls *LogStorage) WriteLog(level, message string) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	if ls.closed {
		return
	}

	entry := &database.LogRecord{
		Timestamp: utils.NowUTC(),
		Level:     level,
		Message:   message,
	}
	select {
	case ls.logCh <- entry:
	default:
		ls.dropped.Add(1)
	}
}

// processLogs 批量写入，每秒或攒够一批时刷新
func (ls *LogStorage) processLogs() {
	defer close(ls.done)

	buffer := make([]*database.LogRecord, 0, batchSize)
	ticker := time.NewTicker(ls.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		// 写入失败直接丢弃，这里不能再写日志（会递归进入存储）
		_ = ls.store.SaveLogs(ctx, buffer)
		cancel()
		buffer = make([]*database.LogRecord, 0, batchSize)
	}

	for {
		select {
		case entry, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// GetLogs 查询日志，返回当前页和总数
func (ls *LogStorage) GetLogs(ctx context.Context, params LogQueryParams) ([]*database.LogRecord, int64, error) {
	if params.Limit <= 0 {
		params.Limit = defaultQueryLimit
	}
	if params.Limit > maxQueryLimit {
		params.Limit = maxQueryLimit
	}
	return ls.store.QueryLogs(ctx, &database.LogFilter{
		StartTime: params.StartTime,
		EndTime:   params.EndTime,
		Level:     params.Level,
		Keyword:   params.Keyword,
		Limit:     params.Limit,
		Offset:    params.Offset,
	})
}

// CleanOldLogsByLevel 清理超过指定天数的指定级别日志
// levels: 要清理的日志级别列表，如 []string{"INFO", "WARN"}
func (ls *LogStorage) CleanOldLogsByLevel(ctx context.Context, days int, levels []string) (int64, error) {
	if len(levels) == 0 {
		return 0, fmt.Errorf("至少需要指定一个日志级别")
	}
	cutoff := utils.NowUTC().AddDate(0, 0, -days)
	return ls.store.DeleteLogs(ctx, levels, cutoff)
}

// RunCleanup 每天清理一次 INFO/WARN 日志，直到 ctx 取消
func (ls *LogStorage) RunCleanup(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		logger.Info("🧹 开始定期清理日志...")
		rows, err := ls.CleanOldLogsByLevel(ctx, retentionDays, []string{"INFO", "WARN"})
		if err != nil {
			logger.Warn("⚠️ 清理日志失败: %v", err)
		} else {
			logger.Info("✅ 已清理 %d 条 INFO/WARN 级别日志（%d天前）", rows, retentionDays)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Dropped 缓冲区满丢弃的日志数
func (ls *LogStorage) Dropped() int64 {
	return ls.dropped.Load()
}

// Close 关闭日志存储，等待缓冲区写完
func (ls *LogStorage) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	close(ls.logCh)
	ls.mu.Unlock()

	<-ls.done
	return nil
}
