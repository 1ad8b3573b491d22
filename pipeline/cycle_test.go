package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartalpaca/correlation"
	"smartalpaca/database"
	"smartalpaca/queue"
)

type flakyCycleStore struct {
	CycleStore
	fail bool
}

func (s *flakyCycleStore) SaveCycle(ctx context.Context, c *database.CycleRecord) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.CycleStore.SaveCycle(ctx, c)
}

func TestCycleTrackerPersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cid := correlation.New()
	tracker := NewCycleTracker(db)
	_, err = tracker.Start(ctx, cid, []string{"AAPL"})
	require.NoError(t, err)
	require.NoError(t, tracker.MarkRunning(ctx, cid, queue.StageMarketScan, "job-1", 1))
	require.NoError(t, tracker.MarkCompleted(ctx, cid, queue.StageMarketScan))

	// 新实例从数据库恢复后继续推进
	restarted := NewCycleTracker(db)
	require.NoError(t, restarted.MarkRunning(ctx, cid, queue.StageAssetSelection, "job-2", 2))
	require.NoError(t, restarted.Fail(ctx, cid, queue.StageAssetSelection, "no asset selected"))
	assert.Equal(t, 0, restarted.Active())

	c, err := NewCycleTracker(db).Get(ctx, cid)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, CycleFailed, c.Status)
	assert.Equal(t, "failed at stage asset_selection: no asset selected", c.Summary())
	assert.Equal(t, StageCompleted, c.Stage(queue.StageMarketScan).State)
	assert.Equal(t, "job-1", c.Stage(queue.StageMarketScan).JobID)
	assert.Equal(t, 2, c.Stage(queue.StageAssetSelection).Attempts)
	assert.Equal(t, StagePending, c.Stage(queue.StageExecution).State)
	assert.NotNil(t, c.FinishedAt)
}

func TestCycleTrackerGetMissing(t *testing.T) {
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := NewCycleTracker(db).Get(context.Background(), correlation.New())
	require.NoError(t, err)
	assert.Nil(t, c)

	err = NewCycleTracker(db).MarkCompleted(context.Background(), correlation.New(), queue.StageMarketScan)
	assert.Error(t, err)
}

func TestCycleTrackerSaveFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenMemory(t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := &flakyCycleStore{CycleStore: db}
	tracker := NewCycleTracker(store)
	cid := correlation.New()
	_, err = tracker.Start(ctx, cid, []string{"AAPL"})
	require.NoError(t, err)

	store.fail = true
	assert.Error(t, tracker.MarkRunning(ctx, cid, queue.StageMarketScan, "job-1", 1))

	c, err := tracker.Get(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, StagePending, c.Stage(queue.StageMarketScan).State)
	assert.Equal(t, "running", c.Summary())
}
