package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporthub/reporthub/pkg/types"
)

func TestReaperDemotesStaleRunning(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	_, _, err = mgr.Claim()
	require.NoError(t, err)

	reaper := NewReaper(mgr)

	// Within the stale threshold nothing happens.
	require.NoError(t, reaper.Sweep())
	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)

	// Past it the task is presumed dead.
	mgr.now = func() time.Time { return time.Now().Add(3 * time.Minute) }
	require.NoError(t, reaper.Sweep())
	got, err = mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, got.Status)
	require.NotEmpty(t, got.Comments)
	assert.Contains(t, got.Comments[0].Body, "DROPPED!")
}

func TestReaperUsesOrphanThresholdForOtherServers(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	// Another server enqueues and claims the task.
	require.NoError(t, mgr.store.MarkEnqueued(rec.Token, "other@remote", nil, time.Now().UTC()))
	token, _, err := mgr.store.ClaimNextTask("other@remote", time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, rec.Token, token)

	reaper := NewReaper(mgr)

	// Stale by our own threshold but not by the orphan one: left alone.
	mgr.now = func() time.Time { return time.Now().Add(5 * time.Minute) }
	require.NoError(t, reaper.Sweep())
	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)

	mgr.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	require.NoError(t, reaper.Sweep())
	got, err = mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, got.Status)
}

func TestReaperDropsNeverEnqueued(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	reaper := NewReaper(mgr)
	mgr.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	require.NoError(t, reaper.Sweep())

	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, got.Status)
}

func TestReaperPromotesPinnedDirsOfTerminalTasks(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)
	dir, err := mgr.CreateDataDir(rec.Token)
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	_, _, err = mgr.Claim()
	require.NoError(t, err)

	// Terminal write lands through the store, the way a worker process
	// without ledger access does it.
	require.NoError(t, mgr.store.FinishTask(rec.Token,
		[]types.TaskStatus{types.TaskStatusRunning}, types.TaskStatusCompleted,
		"", types.SystemActor, time.Now().UTC()))

	reaper := NewReaper(mgr)
	require.NoError(t, reaper.Sweep())

	// Promoted, but the grace window keeps the directory alive.
	assert.DirExists(t, dir)

	mgr.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, reaper.Sweep())
	assert.NoDirExists(t, dir)
}
