package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"smartalpaca/correlation"
	"smartalpaca/database"
)

// Store 任务存储，ClaimNext 必须是原子的：同一任务只能被一个调用方认领
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	// Get 不存在时返回 nil, nil
	Get(ctx context.Context, id string) (*Job, error)
	// ClaimNext 认领优先级最高的可执行任务（priority 降序, notBefore 升序, sequence 升序），
	// 置为 active 并将 AttemptsMade 加 1；没有任务时返回 nil, nil
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	Counts(ctx context.Context, now time.Time) (Stats, error)
	// DeleteFinished 删除 finishedBefore 之前结束的终态任务
	DeleteFinished(ctx context.Context, finishedBefore time.Time) (int64, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error)
}

// MemoryStore 内存存储（单实例、测试）
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

func (s *MemoryStore) Insert(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Clone(), nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if j.Status != StatusWaiting || j.NotBefore.After(now) {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	started := now
	best.Status = StatusActive
	best.AttemptsMade++
	best.StartedAt = &started
	return best.Clone(), nil
}

// claimsBefore a 是否应该先于 b 被认领
func claimsBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return a.Sequence < b.Sequence
}

func (s *MemoryStore) Counts(ctx context.Context, now time.Time) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, j := range s.jobs {
		switch j.State(now) {
		case StateDelayed:
			st.Delayed++
		case string(StatusWaiting):
			st.Waiting++
		case string(StatusActive):
			st.Active++
		case string(StatusCompleted):
			st.Completed++
		case string(StatusFailed):
			st.Failed++
		}
	}
	return st, nil
}

func (s *MemoryStore) DeleteFinished(ctx context.Context, finishedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(finishedBefore) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*Job
	for _, j := range s.jobs {
		if len(want) == 0 || want[j.Status] {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Sequence < out[k].Sequence })
	return out, nil
}

// DatabaseStore 数据库存储，多实例共享同一张任务表
type DatabaseStore struct {
	db database.Database
}

// NewDatabaseStore 创建数据库存储
func NewDatabaseStore(db database.Database) *DatabaseStore {
	return &DatabaseStore{db: db}
}

func (s *DatabaseStore) Insert(ctx context.Context, job *Job) error {
	return s.db.SaveJob(ctx, toRecord(job))
}

func (s *DatabaseStore) Update(ctx context.Context, job *Job) error {
	return s.db.SaveJob(ctx, toRecord(job))
}

func (s *DatabaseStore) Get(ctx context.Context, id string) (*Job, error) {
	rec, err := s.db.GetJob(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *DatabaseStore) ClaimNext(ctx context.Context, now time.Time) (*Job, error) {
	rec, err := s.db.ClaimNextJob(ctx, now)
	if err != nil || rec == nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *DatabaseStore) Counts(ctx context.Context, now time.Time) (Stats, error) {
	c, err := s.db.CountJobs(ctx, now)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   c.Waiting,
		Active:    c.Active,
		Completed: c.Completed,
		Failed:    c.Failed,
		Delayed:   c.Delayed,
	}, nil
}

func (s *DatabaseStore) DeleteFinished(ctx context.Context, finishedBefore time.Time) (int64, error) {
	return s.db.DeleteJobs(ctx, []string{string(StatusCompleted), string(StatusFailed)}, finishedBefore)
}

func (s *DatabaseStore) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	filter := &database.JobFilter{}
	for _, st := range statuses {
		filter.Statuses = append(filter.Statuses, string(st))
	}
	recs, err := s.db.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(recs))
	for _, r := range recs {
		jobs = append(jobs, fromRecord(r))
	}
	return jobs, nil
}

func toRecord(j *Job) *database.JobRecord {
	rec := &database.JobRecord{
		ID:            j.ID,
		Stage:         string(j.Stage),
		CorrelationID: j.CorrelationID.String(),
		Payload:       string(j.Payload),
		Output:        string(j.Output),
		Priority:      j.Priority,
		Status:        string(j.Status),
		NotBefore:     j.NotBefore.UTC(),
		Sequence:      j.Sequence,
		AttemptsMade:  j.AttemptsMade,
		MaxAttempts:   j.MaxAttempts,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt.UTC(),
	}
	if j.StartedAt != nil {
		t := j.StartedAt.UTC()
		rec.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := j.FinishedAt.UTC()
		rec.FinishedAt = &t
	}
	return rec
}

func fromRecord(r *database.JobRecord) *Job {
	j := &Job{
		ID:            r.ID,
		Stage:         Stage(r.Stage),
		CorrelationID: correlation.ID(r.CorrelationID),
		Priority:      r.Priority,
		Status:        Status(r.Status),
		NotBefore:     r.NotBefore,
		Sequence:      r.Sequence,
		AttemptsMade:  r.AttemptsMade,
		MaxAttempts:   r.MaxAttempts,
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	if r.Payload != "" {
		j.Payload = []byte(r.Payload)
	}
	if r.Output != "" {
		j.Output = []byte(r.Output)
	}
	return j
}
