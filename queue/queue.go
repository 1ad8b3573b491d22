package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"smartalpaca/correlation"
	"smartalpaca/logger"
	"smartalpaca/metrics"
)

// Clock 时间源，测试中替换为可控时钟
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock 系统时钟
var RealClock Clock = realClock{}

// PauseSource 多实例共享的运行开关，设置后认领前以它为准
type PauseSource interface {
	Paused(ctx context.Context) (bool, error)
}

// Config 队列配置
type Config struct {
	MaxAttempts int           // 最大尝试次数（含首次），默认 3
	BackoffBase time.Duration // 指数退避基数，默认 2s
	Clock       Clock
}

// Queue 阶段任务队列
// 任务归属由存储层的原子认领保证，暂停只影响认领，不影响已在执行的任务
type Queue struct {
	store       Store
	clock       Clock
	maxAttempts int
	backoffBase time.Duration
	metrics     *metrics.PrometheusMetrics

	paused atomic.Bool
	source atomic.Pointer[pauseSourceRef]
	seqMu  sync.Mutex
	seq    int64
	wake   chan struct{}
}

// New 创建队列
func New(store Store, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	return &Queue{
		store:       store,
		clock:       cfg.Clock,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: cfg.BackoffBase,
		metrics:     metrics.GetPrometheusMetrics(),
		wake:        make(chan struct{}, 1),
	}
}

// Now 队列时钟的当前时间
func (q *Queue) Now() time.Time {
	return q.clock.Now()
}

// Wake 有新任务或恢复运行时收到信号
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// nextSequence 单调递增的创建序号，以纳秒时间为下限，重启后仍保持先后顺序
func (q *Queue) nextSequence(now time.Time) int64 {
	q.seqMu.Lock()
	defer q.seqMu.Unlock()
	n := now.UnixNano()
	if n <= q.seq {
		n = q.seq + 1
	}
	q.seq = n
	return n
}

// Enqueue 入队，优先级和初始延迟由阶段决定
func (q *Queue) Enqueue(ctx context.Context, stage Stage, payload json.RawMessage, cid correlation.ID) (*JobHandle, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	if cid.IsZero() {
		return nil, errors.New("correlation id is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, errors.New("payload is not valid JSON")
	}

	now := q.clock.Now()
	job := &Job{
		ID:            uuid.NewString(),
		Stage:         stage,
		CorrelationID: cid,
		Payload:       payload,
		Priority:      stage.Priority(),
		Status:        StatusWaiting,
		NotBefore:     now.Add(stage.InitialDelay()),
		Sequence:      q.nextSequence(now),
		MaxAttempts:   q.maxAttempts,
		CreatedAt:     now,
	}
	if err := q.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("保存任务失败: %w", err)
	}

	q.metrics.RecordJobEnqueued(string(stage))
	logger.With(cid.String(), string(stage)).Debug("📥 任务入队 %s (优先级 %d, 可执行时间 %s)",
		job.ID, job.Priority, job.NotBefore.Format(time.RFC3339))
	q.signal()

	return &JobHandle{
		ID:            job.ID,
		Stage:         stage,
		CorrelationID: cid,
		Priority:      job.Priority,
		NotBefore:     job.NotBefore,
	}, nil
}

// Pause 暂停认领新任务，执行中的任务不受影响
func (q *Queue) Pause() {
	if !q.paused.Swap(true) {
		logger.Info("⏸️ 阶段队列已暂停")
	}
}

// Resume 恢复认领
func (q *Queue) Resume() {
	if q.paused.Swap(false) {
		logger.Info("▶️ 阶段队列已恢复")
	}
	q.signal()
}

// IsPaused 本实例最近一次看到的暂停状态
func (q *Queue) IsPaused() bool {
	return q.paused.Load()
}

type pauseSourceRef struct{ src PauseSource }

// SetPauseSource 绑定共享的运行开关，其他实例的启停也会挡住本实例的认领
func (q *Queue) SetPauseSource(src PauseSource) {
	if src == nil {
		q.source.Store(nil)
		return
	}
	q.source.Store(&pauseSourceRef{src: src})
}

// Claim 认领下一个可执行任务，没有任务时返回 nil
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	if ref := q.source.Load(); ref != nil {
		paused, err := ref.src.Paused(ctx)
		if err != nil {
			return nil, fmt.Errorf("读取运行状态失败: %w", err)
		}
		if paused {
			return nil, ErrPaused
		}
	} else if q.IsPaused() {
		return nil, ErrPaused
	}
	job, err := q.store.ClaimNext(ctx, q.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("认领任务失败: %w", err)
	}
	return job, nil
}

// Complete 任务成功，只有 active 的任务可以完成
func (q *Queue) Complete(ctx context.Context, id string, output json.RawMessage) (*Job, error) {
	job, err := q.activeJob(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	job.Status = StatusCompleted
	job.Output = output
	job.LastError = ""
	job.FinishedAt = &now
	if err := q.store.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("更新任务失败: %w", err)
	}

	var took time.Duration
	if job.StartedAt != nil {
		took = now.Sub(*job.StartedAt)
	}
	q.metrics.RecordJobCompleted(string(job.Stage), took)
	return job, nil
}

// Fail 任务失败：未达到最大尝试次数且不是 PermanentError 时按指数退避重新等待，否则进入 failed
func (q *Queue) Fail(ctx context.Context, id string, cause error) (*Job, error) {
	job, err := q.activeJob(ctx, id)
	if err != nil {
		return nil, err
	}

	now := q.clock.Now()
	if cause != nil {
		job.LastError = cause.Error()
	}
	scope := logger.With(job.CorrelationID.String(), string(job.Stage))

	if IsPermanent(cause) || job.AttemptsMade >= job.MaxAttempts {
		job.Status = StatusFailed
		job.FinishedAt = &now
		reason := "exhausted"
		if IsPermanent(cause) {
			reason = "permanent"
		}
		q.metrics.RecordJobFailed(string(job.Stage), reason)
		scope.Error("❌ 任务 %s 最终失败 (第 %d/%d 次): %s", job.ID, job.AttemptsMade, job.MaxAttempts, job.LastError)
	} else {
		delay := q.Backoff(job.AttemptsMade)
		job.Status = StatusWaiting
		job.NotBefore = now.Add(delay)
		job.StartedAt = nil
		q.metrics.RecordJobRetried(string(job.Stage))
		scope.Warn("🔁 任务 %s 第 %d/%d 次失败，%s 后重试: %s", job.ID, job.AttemptsMade, job.MaxAttempts, delay, job.LastError)
	}

	if err := q.store.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("更新任务失败: %w", err)
	}
	return job, nil
}

// Backoff 第 attempt 次失败后的等待时间：base * 2^(attempt-1)
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.backoffBase << (attempt - 1)
}

func (q *Queue) activeJob(ctx context.Context, id string) (*Job, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("读取任务失败: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != StatusActive {
		return nil, fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, id, job.Status)
	}
	return job, nil
}

// Stats 队列统计
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st, err := q.store.Counts(ctx, q.clock.Now())
	if err != nil {
		return Stats{}, err
	}
	st.Total = st.Waiting + st.Active + st.Completed + st.Failed + st.Delayed
	q.metrics.SetQueueDepth(st.Waiting, st.Active, st.Completed, st.Failed, st.Delayed)
	return st, nil
}

// GetJob 查询任务，不存在时返回 nil, nil
func (q *Queue) GetJob(ctx context.Context, id string) (*JobView, error) {
	job, err := q.store.Get(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}
	return &JobView{
		ID:            job.ID,
		Stage:         job.Stage,
		CorrelationID: job.CorrelationID,
		State:         job.State(q.clock.Now()),
		Priority:      job.Priority,
		AttemptsMade:  job.AttemptsMade,
		MaxAttempts:   job.MaxAttempts,
		NotBefore:     job.NotBefore,
		LastError:     job.LastError,
		Payload:       job.Payload,
		Output:        job.Output,
		CreatedAt:     job.CreatedAt,
		FinishedAt:    job.FinishedAt,
	}, nil
}

// Clean 清理 olderThan 之前结束的 completed/failed 任务，不会触碰等待或执行中的任务
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = 24 * time.Hour
	}
	n, err := q.store.DeleteFinished(ctx, q.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("清理任务失败: %w", err)
	}
	if n > 0 {
		logger.Info("🧹 已清理 %d 个过期终态任务", n)
	}
	return n, nil
}

// Recover 重启后恢复：中断的 active 任务放回等待，已用尽次数的直接失败并在 failed 中返回
// orphaned 判断任务是否已无人执行，传 nil 表示全部视为中断
func (q *Queue) Recover(ctx context.Context, orphaned func(ctx context.Context, job *Job) bool) (int, []*Job, error) {
	active, err := q.store.ListByStatus(ctx, StatusActive)
	if err != nil {
		return 0, nil, fmt.Errorf("读取执行中任务失败: %w", err)
	}

	now := q.clock.Now()
	recovered := 0
	var failed []*Job
	for _, job := range active {
		if orphaned != nil && !orphaned(ctx, job) {
			continue
		}
		scope := logger.With(job.CorrelationID.String(), string(job.Stage))
		exhausted := job.AttemptsMade >= job.MaxAttempts
		if exhausted {
			job.Status = StatusFailed
			job.LastError = "任务执行中断且尝试次数已用尽"
			job.FinishedAt = &now
			scope.Warn("⚠️ 中断任务 %s 已无重试次数，标记失败", job.ID)
		} else {
			job.Status = StatusWaiting
			job.NotBefore = now
			job.StartedAt = nil
			scope.Info("♻️ 中断任务 %s 已放回队列", job.ID)
		}
		if err := q.store.Update(ctx, job); err != nil {
			return recovered, failed, fmt.Errorf("恢复任务 %s 失败: %w", job.ID, err)
		}
		if exhausted {
			q.metrics.RecordJobFailed(string(job.Stage), "interrupted")
			failed = append(failed, job)
		}
		recovered++
	}

	if recovered > 0 {
		q.signal()
	}
	return recovered, failed, nil
}
