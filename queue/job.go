package queue

import (
	"encoding/json"
	"errors"
	"time"

	"smartalpaca/correlation"
)

var (
	// ErrPaused 队列已暂停，不再认领新任务
	ErrPaused = errors.New("queue is paused")
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition 任务状态不允许此操作（终态任务不会回退）
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrUnknownStage 未知阶段
	ErrUnknownStage = errors.New("unknown stage")
)

// Status 任务持久化状态
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 对外展示的状态，delayed 表示等待中但尚未到达可执行时间
const StateDelayed = "delayed"

// Job 阶段任务
type Job struct {
	ID            string
	Stage         Stage
	CorrelationID correlation.ID
	Payload       json.RawMessage
	Output        json.RawMessage
	Priority      int
	Status        Status
	NotBefore     time.Time
	Sequence      int64
	AttemptsMade  int
	MaxAttempts   int
	LastError     string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Clone 深拷贝，存储层之间不共享可变数据
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.Output = append(json.RawMessage(nil), j.Output...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// State 对外展示的状态
func (j *Job) State(now time.Time) string {
	if j.Status == StatusWaiting && j.NotBefore.After(now) {
		return StateDelayed
	}
	return string(j.Status)
}

// JobHandle 入队结果
type JobHandle struct {
	ID            string         `json:"id"`
	Stage         Stage          `json:"stage"`
	CorrelationID correlation.ID `json:"correlation_id"`
	Priority      int            `json:"priority"`
	NotBefore     time.Time      `json:"not_before"`
}

// JobView 任务查询视图
type JobView struct {
	ID            string          `json:"id"`
	Stage         Stage           `json:"stage"`
	CorrelationID correlation.ID  `json:"correlation_id"`
	State         string          `json:"state"`
	Priority      int             `json:"priority"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	NotBefore     time.Time       `json:"not_before"`
	LastError     string          `json:"last_error,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Stats 队列统计，Waiting 不含 Delayed
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

// PermanentError 不可重试的失败
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent 包装为不可重试的错误，任务会直接进入 failed
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent 是否为不可重试的错误
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
