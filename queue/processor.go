package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"smartalpaca/correlation"
	"smartalpaca/lock"
	"smartalpaca/logger"
	"smartalpaca/metrics"
)

// Handler 执行一个阶段任务，返回的 output 作为下一阶段的输入
type Handler interface {
	Handle(ctx context.Context, job *Job) (json.RawMessage, error)
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Listener 任务进入终态后的回调（状态已持久化）
type Listener interface {
	JobCompleted(ctx context.Context, job *Job)
	JobFailed(ctx context.Context, job *Job)
}

// ProcessorConfig 处理器配置
type ProcessorConfig struct {
	Workers      int           // 并发数，默认 4
	PollInterval time.Duration // 轮询间隔，默认 500ms
	JobTimeout   time.Duration // 单个任务超时，默认 60s
	Lock         lock.DistributedLock
	LockTTL      time.Duration // 任务归属锁过期时间，默认 JobTimeout 的两倍
}

// Processor 任务处理器：多个 worker 从队列认领任务并执行
type Processor struct {
	queue    *Queue
	handler  Handler
	listener Listener
	cfg      ProcessorConfig
	metrics  *metrics.PrometheusMetrics

	workerPool chan struct{}
	wg         sync.WaitGroup

	// ctx 控制认领循环；jobCtx 供执行中的任务使用，停止时不取消，保证任务能走到终态
	ctx    context.Context
	cancel context.CancelFunc
	jobCtx context.Context

	mu        sync.Mutex
	isRunning bool
	done      chan struct{}
}

// NewProcessor 创建处理器
func NewProcessor(q *Queue, handler Handler, listener Listener, cfg ProcessorConfig) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.Lock == nil {
		cfg.Lock = lock.NewNopLock()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.JobTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		queue:      q,
		handler:    handler,
		listener:   listener,
		cfg:        cfg,
		metrics:    metrics.GetPrometheusMetrics(),
		workerPool: make(chan struct{}, cfg.Workers),
		ctx:        ctx,
		cancel:     cancel,
		jobCtx:     context.Background(),
		done:       make(chan struct{}),
	}
}

// Start 启动处理循环（非阻塞）
func (p *Processor) Start() {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.mu.Unlock()

	logger.Info("✅ 阶段任务处理器已启动 (worker: %d)", p.cfg.Workers)
	go p.loop()
}

// Stop 停止认领新任务，并等待执行中的任务结束或 ctx 超时
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	p.mu.Unlock()

	p.cancel()
	<-p.done

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		logger.Info("✅ 阶段任务处理器已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待执行中任务超时: %w", ctx.Err())
	}
}

func (p *Processor) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.dispatch()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.queue.Wake():
			p.dispatch()
		case <-ticker.C:
			p.dispatch()
		}
	}
}

// dispatch 在有空闲 worker 时持续认领任务
func (p *Processor) dispatch() {
	for {
		if p.ctx.Err() != nil {
			return
		}
		select {
		case p.workerPool <- struct{}{}:
		default:
			return
		}

		job, err := p.queue.Claim(p.ctx)
		if err != nil || job == nil {
			<-p.workerPool
			if err != nil && !errors.Is(err, ErrPaused) && p.ctx.Err() == nil {
				logger.Error("❌ 认领任务失败: %v", err)
			}
			return
		}

		p.wg.Add(1)
		go func(j *Job) {
			defer p.wg.Done()
			defer func() {
				<-p.workerPool
				// 空出 worker 后再看看有没有等待的任务
				p.queue.signal()
			}()
			p.execute(j)
		}(job)
	}
}

func (p *Processor) execute(job *Job) {
	scope := logger.With(job.CorrelationID.String(), string(job.Stage))
	scope.Info("🚀 开始执行任务 %s (第 %d/%d 次)", job.ID, job.AttemptsMade, job.MaxAttempts)

	release := p.own(job, scope)
	output, running, runErr := p.runWithTimeout(job)
	if running != nil {
		// 处理函数还没退出：任务保持 active 并持有归属锁，退出后再进入重试，同一任务不会并发执行
		scope.Warn("⏳ 任务 %s 执行超时，等待处理函数退出", job.ID)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			<-running
			p.finish(job, nil, runErr, scope)
			release()
		}()
		return
	}
	p.finish(job, output, runErr, scope)
	release()
}

// own 获取任务归属锁，返回释放函数
func (p *Processor) own(job *Job, scope logger.Scope) func() {
	lockKey := lock.JobKey(job.ID)
	owned, err := p.cfg.Lock.TryLock(p.jobCtx, lockKey, p.cfg.LockTTL)
	switch {
	case err != nil:
		p.metrics.RecordLockAcquire("job", "error")
		scope.Warn("⚠️ 获取任务归属锁失败: %v", err)
	case !owned:
		p.metrics.RecordLockAcquire("job", "conflict")
		scope.Warn("⚠️ 任务归属锁已被占用，继续执行")
	default:
		p.metrics.RecordLockAcquire("job", "acquired")
		return func() { p.cfg.Lock.Unlock(p.jobCtx, lockKey) }
	}
	return func() {}
}

func (p *Processor) finish(job *Job, output json.RawMessage, runErr error, scope logger.Scope) {
	if runErr == nil {
		done, err := p.queue.Complete(p.jobCtx, job.ID, output)
		if err != nil {
			scope.Error("❌ 更新任务完成状态失败: %v", err)
			return
		}
		scope.Info("✅ 任务 %s 执行成功", job.ID)
		if p.listener != nil {
			p.listener.JobCompleted(p.jobCtx, done)
		}
		return
	}

	failed, err := p.queue.Fail(p.jobCtx, job.ID, runErr)
	if err != nil {
		scope.Error("❌ 更新任务失败状态失败: %v", err)
		return
	}
	if failed.Status == StatusFailed && p.listener != nil {
		p.listener.JobFailed(p.jobCtx, failed)
	}
}

// runWithTimeout 超时后立即返回，running 在处理函数真正退出时关闭；未超时时 running 为 nil
func (p *Processor) runWithTimeout(job *Job) (json.RawMessage, <-chan struct{}, error) {
	ctx, cancel := context.WithTimeout(p.jobCtx, p.cfg.JobTimeout)
	defer cancel()
	ctx = correlation.WithID(ctx, job.CorrelationID)

	type result struct {
		output json.RawMessage
		err    error
	}
	ch := make(chan result, 1)
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: Permanent(fmt.Errorf("阶段处理 panic: %v", r))}
			}
		}()
		out, err := p.handler.Handle(ctx, job)
		ch <- result{output: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.output, nil, r.err
	case <-ctx.Done():
		return nil, exited, fmt.Errorf("阶段执行超时 (%s): %w", p.cfg.JobTimeout, ctx.Err())
	}
}

// RecoverOrphans 重启后把无人持有的 active 任务放回队列
// 归属锁仍被持有说明任务正在其他实例上执行，跳过；次数已用尽的任务按最终失败通知 listener
func (p *Processor) RecoverOrphans(ctx context.Context) (int, error) {
	n, failed, err := p.queue.Recover(ctx, func(ctx context.Context, job *Job) bool {
		key := lock.JobKey(job.ID)
		ok, err := p.cfg.Lock.TryLock(ctx, key, p.cfg.LockTTL)
		if err != nil || !ok {
			return false
		}
		p.cfg.Lock.Unlock(ctx, key)
		return true
	})
	if p.listener != nil {
		for _, job := range failed {
			p.listener.JobFailed(ctx, job)
		}
	}
	return n, err
}
