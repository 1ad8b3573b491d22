package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/correlation"
	"smartalpaca/database"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// 每个用例在内存存储和数据库存储上各跑一遍
func forEachStore(t *testing.T, fn func(t *testing.T, q *Queue, clock *fakeClock)) {
	t.Run("memory", func(t *testing.T) {
		clock := newFakeClock()
		fn(t, New(NewMemoryStore(), Config{Clock: clock}), clock)
	})
	t.Run("database", func(t *testing.T) {
		db, err := database.OpenMemory(t.Name())
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		clock := newFakeClock()
		fn(t, New(NewDatabaseStore(db), Config{Clock: clock}), clock)
	})
}

func TestStageOrdering(t *testing.T) {
	expected := []struct {
		stage    Stage
		priority int
		delay    time.Duration
	}{
		{StageMarketScan, 10, 0},
		{StageAssetSelection, 9, time.Second},
		{StageStrategyGeneration, 8, 2 * time.Second},
		{StageValidation, 7, 3 * time.Second},
		{StageStaging, 6, 4 * time.Second},
		{StageExecution, 5, 5 * time.Second},
	}
	for i, e := range expected {
		assert.Equal(t, e.priority, e.stage.Priority(), e.stage)
		assert.Equal(t, e.delay, e.stage.InitialDelay(), e.stage)
		next, ok := e.stage.Next()
		if i == len(expected)-1 {
			assert.False(t, ok)
		} else {
			assert.True(t, ok)
			assert.Equal(t, expected[i+1].stage, next)
		}
	}

	_, err := ParseStage("bogus")
	assert.ErrorIs(t, err, ErrUnknownStage)
}

func TestEnqueueAndStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		cid := correlation.New()

		scan, err := q.Enqueue(ctx, StageMarketScan, json.RawMessage(`{"symbols":["AAPL"]}`), cid)
		require.NoError(t, err)
		assert.Equal(t, 10, scan.Priority)
		assert.True(t, scan.NotBefore.Equal(clock.Now()))

		sel, err := q.Enqueue(ctx, StageAssetSelection, nil, cid)
		require.NoError(t, err)
		assert.True(t, sel.NotBefore.Equal(clock.Now().Add(time.Second)))

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Waiting: 1, Delayed: 1, Total: 2}, st)

		view, err := q.GetJob(ctx, sel.ID)
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, view.State)
		assert.Equal(t, cid, view.CorrelationID)

		missing, err := q.GetJob(ctx, "unknown")
		require.NoError(t, err)
		assert.Nil(t, missing)

		_, err = q.Enqueue(ctx, Stage("bogus"), nil, cid)
		assert.ErrorIs(t, err, ErrUnknownStage)
		_, err = q.Enqueue(ctx, StageMarketScan, nil, "")
		assert.Error(t, err)
	})
}

func TestClaimOrderPriorityThenNotBeforeThenCreation(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		exec, _ := q.Enqueue(ctx, StageExecution, nil, "c-exec")
		scanA, _ := q.Enqueue(ctx, StageMarketScan, nil, "c-a")
		scanB, _ := q.Enqueue(ctx, StageMarketScan, nil, "c-b")
		clock.Advance(10 * time.Second)

		var order []string
		for {
			job, err := q.Claim(ctx)
			require.NoError(t, err)
			if job == nil {
				break
			}
			assert.Equal(t, 1, job.AttemptsMade)
			order = append(order, job.ID)
		}
		assert.Equal(t, []string{scanA.ID, scanB.ID, exec.ID}, order)
	})
}

func TestDelayedJobNotClaimedEarly(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		_, err := q.Enqueue(ctx, StageValidation, nil, "c1")
		require.NoError(t, err)

		job, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Nil(t, job, "未到可执行时间")

		clock.Advance(3 * time.Second)
		job, err = q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, StageValidation, job.Stage)
	})
}

func TestFailTwiceThenSucceed(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		h, err := q.Enqueue(ctx, StageMarketScan, nil, "c1")
		require.NoError(t, err)

		job, _ := q.Claim(ctx)
		require.NotNil(t, job)
		failed, err := q.Fail(ctx, job.ID, errors.New("rate limited"))
		require.NoError(t, err)
		assert.Equal(t, StatusWaiting, failed.Status)
		assert.True(t, failed.NotBefore.Equal(clock.Now().Add(2*time.Second)), "第一次退避 2s")

		clock.Advance(time.Second)
		job, _ = q.Claim(ctx)
		assert.Nil(t, job, "退避期间不能被认领")

		clock.Advance(time.Second)
		job, _ = q.Claim(ctx)
		require.NotNil(t, job)
		assert.Equal(t, 2, job.AttemptsMade)
		failed, err = q.Fail(ctx, job.ID, errors.New("timeout"))
		require.NoError(t, err)
		assert.True(t, failed.NotBefore.Equal(clock.Now().Add(4*time.Second)), "第二次退避 4s")

		clock.Advance(4 * time.Second)
		job, _ = q.Claim(ctx)
		require.NotNil(t, job)
		done, err := q.Complete(ctx, job.ID, json.RawMessage(`{"ok":true}`))
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)

		view, err := q.GetJob(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, "completed", view.State)
		assert.Equal(t, 3, view.AttemptsMade)
		assert.JSONEq(t, `{"ok":true}`, string(view.Output))
	})
}

func TestFailThreeTimesIsTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		h, _ := q.Enqueue(ctx, StageMarketScan, nil, "c1")

		for attempt := 1; attempt <= 3; attempt++ {
			job, err := q.Claim(ctx)
			require.NoError(t, err)
			require.NotNil(t, job, "attempt %d", attempt)
			_, err = q.Fail(ctx, job.ID, errors.New("broker down"))
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		view, err := q.GetJob(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, "failed", view.State)
		assert.Equal(t, 3, view.AttemptsMade)
		assert.Equal(t, "broker down", view.LastError)

		clock.Advance(time.Hour)
		job, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Nil(t, job, "失败的任务不会再被认领")

		_, err = q.Complete(ctx, h.ID, nil)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = q.Fail(ctx, h.ID, errors.New("again"))
		assert.ErrorIs(t, err, ErrInvalidTransition)

		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Failed)
	})
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _ = q.Enqueue(ctx, StageMarketScan, nil, "c1")
		job, _ := q.Claim(ctx)
		require.NotNil(t, job)

		failed, err := q.Fail(ctx, job.ID, Permanent(errors.New("all strategies rejected")))
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, failed.Status)
		assert.Equal(t, 1, failed.AttemptsMade)
	})
}

func TestPauseStopsClaimsButNotInFlight(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()
		_, _ = q.Enqueue(ctx, StageMarketScan, nil, "c1")
		_, _ = q.Enqueue(ctx, StageMarketScan, nil, "c2")

		inFlight, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, inFlight)

		q.Pause()
		assert.True(t, q.IsPaused())
		_, err = q.Claim(ctx)
		assert.ErrorIs(t, err, ErrPaused)

		_, err = q.Complete(ctx, inFlight.ID, nil)
		require.NoError(t, err, "暂停时执行中的任务仍可完成")

		q.Resume()
		next, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, correlation.ID("c2"), next.CorrelationID)
	})
}

func TestCleanRemovesOnlyOldTerminalJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		old, _ := q.Enqueue(ctx, StageMarketScan, nil, "old")
		j, _ := q.Claim(ctx)
		_, err := q.Complete(ctx, j.ID, nil)
		require.NoError(t, err)

		clock.Advance(25 * time.Hour)

		recent, _ := q.Enqueue(ctx, StageMarketScan, nil, "recent")
		j, _ = q.Claim(ctx)
		_, err = q.Complete(ctx, j.ID, nil)
		require.NoError(t, err)

		waiting, _ := q.Enqueue(ctx, StageExecution, nil, "waiting")

		n, err := q.Clean(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		v, _ := q.GetJob(ctx, old.ID)
		assert.Nil(t, v)
		v, _ = q.GetJob(ctx, recent.ID)
		assert.NotNil(t, v)
		v, _ = q.GetJob(ctx, waiting.ID)
		assert.NotNil(t, v)
	})
}

func TestRecoverResetsInterruptedJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, q *Queue, clock *fakeClock) {
		ctx := context.Background()

		a, _ := q.Enqueue(ctx, StageMarketScan, nil, "a")
		b, _ := q.Enqueue(ctx, StageMarketScan, nil, "b")

		// b 已经是第 3 次尝试
		for i := 0; i < 2; i++ {
			j, _ := q.Claim(ctx)
			require.NotNil(t, j)
			if j.ID == b.ID {
				_, err := q.Fail(ctx, j.ID, errors.New("x"))
				require.NoError(t, err)
			}
		}
		clock.Advance(time.Minute)
		j, _ := q.Claim(ctx)
		require.NotNil(t, j)
		require.Equal(t, b.ID, j.ID)
		_, _ = q.Fail(ctx, j.ID, errors.New("x"))
		clock.Advance(time.Minute)
		j, _ = q.Claim(ctx)
		require.NotNil(t, j)
		require.Equal(t, 3, j.AttemptsMade)

		n, failed, err := q.Recover(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		require.Len(t, failed, 1)
		assert.Equal(t, b.ID, failed[0].ID)

		va, _ := q.GetJob(ctx, a.ID)
		assert.Equal(t, "waiting", va.State)
		vb, _ := q.GetJob(ctx, b.ID)
		assert.Equal(t, "failed", vb.State)
	})
}

func TestBackoffDoubles(t *testing.T) {
	q := New(NewMemoryStore(), Config{})
	assert.Equal(t, 2*time.Second, q.Backoff(1))
	assert.Equal(t, 4*time.Second, q.Backoff(2))
	assert.Equal(t, 8*time.Second, q.Backoff(3))
}
