package configstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporthub/reporthub/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "config.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTask(t *testing.T, s *Store, token string) *types.TaskRecord {
	t.Helper()
	rec := &types.TaskRecord{
		Token:     token,
		Kind:      "echo",
		Summary:   "test task",
		Actor:     "alice",
		Status:    types.TaskStatusAllocated,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateTask(rec))
	return rec
}

func TestCreateTaskDuplicateToken(t *testing.T) {
	s := testStore(t)
	newTestTask(t, s, "aaaa")

	err := s.CreateTask(&types.TaskRecord{
		Token:     "aaaa",
		Kind:      "echo",
		Status:    types.TaskStatusAllocated,
		CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestTaskLifecycleHappyPath(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	newTestTask(t, s, "aaaa")

	require.NoError(t, s.MarkEnqueued("aaaa", "srv1", []byte(`{"kind":"echo"}`), now))

	rec, err := s.GetTask("aaaa")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusEnqueued, rec.Status)
	assert.Equal(t, "srv1", rec.OwnerServerID)
	require.NotNil(t, rec.EnqueuedAt)

	token, envelope, err := s.ClaimNextTask("srv1", now)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", token)
	assert.Equal(t, []byte(`{"kind":"echo"}`), envelope)

	rec, err = s.GetTask("aaaa")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, rec.Status)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.LastHeartbeatAt)

	err = s.FinishTask("aaaa", []types.TaskStatus{types.TaskStatusRunning},
		types.TaskStatusCompleted, "", types.SystemActor, now)
	require.NoError(t, err)

	rec, err = s.GetTask("aaaa")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, rec.Status)
	assert.Empty(t, rec.OwnerServerID)
	require.NotNil(t, rec.FinishedAt)
}

func TestIllegalTransitionsRejected(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	newTestTask(t, s, "aaaa")

	// Cannot claim an allocated task.
	token, _, err := s.ClaimNextTask("srv1", now)
	require.NoError(t, err)
	assert.Empty(t, token)

	// Cannot finish a task that is not running.
	err = s.FinishTask("aaaa", []types.TaskStatus{types.TaskStatusRunning},
		types.TaskStatusCompleted, "", types.SystemActor, now)
	assert.ErrorIs(t, err, types.ErrConflict)

	// Cannot re-enqueue a terminal task.
	require.NoError(t, s.MarkEnqueued("aaaa", "srv1", nil, now))
	_, _, err = s.ClaimNextTask("srv1", now)
	require.NoError(t, err)
	require.NoError(t, s.FinishTask("aaaa", []types.TaskStatus{types.TaskStatusRunning},
		types.TaskStatusFailed, "unhandled: boom", types.SystemActor, now))

	err = s.MarkEnqueued("aaaa", "srv1", nil, now)
	assert.ErrorIs(t, err, types.ErrConflict)

	// Terminal statuses never change again.
	err = s.FinishTask("aaaa", []types.TaskStatus{types.TaskStatusFailed},
		types.TaskStatusCompleted, "", types.SystemActor, now)
	assert.ErrorIs(t, err, types.ErrInputMalformed)
}

func TestClaimOrderIsFIFO(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC()

	for i, token := range []string{"t1", "t2", "t3"} {
		newTestTask(t, s, token)
		require.NoError(t, s.MarkEnqueued(token, "srv1", nil, base.Add(time.Duration(i)*time.Second)))
	}

	for _, want := range []string{"t1", "t2", "t3"} {
		token, _, err := s.ClaimNextTask("srv1", base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, want, token)
	}

	token, _, err := s.ClaimNextTask("srv1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestPendingCountTracksQueue(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)

	newTestTask(t, s, "aaaa")
	require.NoError(t, s.MarkEnqueued("aaaa", "srv1", nil, now))

	n, err = s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, _, err = s.ClaimNextTask("srv1", now)
	require.NoError(t, err)

	n, err = s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRequestCancel(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	newTestTask(t, s, "aaaa")

	changed, err := s.RequestCancel("aaaa", "admin", now)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, err := s.GetTask("aaaa")
	require.NoError(t, err)
	assert.True(t, rec.CancelRequested)
	require.Len(t, rec.Comments, 1)
	assert.Equal(t, "admin", rec.Comments[0].Actor)

	// Terminal tasks are left untouched.
	require.NoError(t, s.FinishTask("aaaa",
		[]types.TaskStatus{types.TaskStatusAllocated}, types.TaskStatusDropped,
		"", types.SystemActor, now))
	changed, err = s.RequestCancel("aaaa", "admin", now)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.RequestCancel("missing", "admin", now)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestHeartbeatOnlyOwnRunning(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	newTestTask(t, s, "aaaa")
	require.NoError(t, s.MarkEnqueued("aaaa", "srv1", nil, now))
	_, _, err := s.ClaimNextTask("srv1", now)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	require.NoError(t, s.Heartbeat("aaaa", "srv1", later))
	rec, err := s.GetTask("aaaa")
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), rec.LastHeartbeatAt.Unix())

	// A heartbeat from the wrong server is a silent no-op.
	require.NoError(t, s.Heartbeat("aaaa", "srv2", later.Add(time.Minute)))
	rec, err = s.GetTask("aaaa")
	require.NoError(t, err)
	assert.Equal(t, later.Unix(), rec.LastHeartbeatAt.Unix())
}

func TestListTasksFilters(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.CreateTask(&types.TaskRecord{
		Token: "t1", Kind: "echo", Actor: "alice", Status: types.TaskStatusAllocated,
		CreatedAt: now,
	}))
	require.NoError(t, s.CreateTask(&types.TaskRecord{
		Token: "t2", Kind: "echo", Actor: "bob", ProductEndpoint: "web",
		Status: types.TaskStatusAllocated, CreatedAt: now.Add(time.Second),
	}))

	byActor, err := s.ListTasks(types.TaskFilter{Actors: []string{"alice"}})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "t1", byActor[0].Token)

	serverWide, err := s.ListTasks(types.TaskFilter{ServerWideOnly: true})
	require.NoError(t, err)
	require.Len(t, serverWide, 1)
	assert.Equal(t, "t1", serverWide[0].Token)

	byProduct, err := s.ListTasks(types.TaskFilter{ProductEndpoints: []string{"web"}})
	require.NoError(t, err)
	require.Len(t, byProduct, 1)
	assert.Equal(t, "t2", byProduct[0].Token)

	all, err := s.ListTasks(types.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSetConsumed(t *testing.T) {
	s := testStore(t)
	newTestTask(t, s, "aaaa")

	require.NoError(t, s.SetConsumed("aaaa"))
	rec, err := s.GetTask("aaaa")
	require.NoError(t, err)
	assert.True(t, rec.Consumed)
}

func TestDropIncompleteOwnedBy(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()

	newTestTask(t, s, "t1")
	require.NoError(t, s.MarkEnqueued("t1", "srv1", nil, now))

	newTestTask(t, s, "t2")
	require.NoError(t, s.MarkEnqueued("t2", "srv2", nil, now))

	// Allocated-but-never-pushed tasks carry their allocating server and
	// are swept with the rest.
	require.NoError(t, s.CreateTask(&types.TaskRecord{
		Token: "t3", Kind: "echo", Actor: "alice", Status: types.TaskStatusAllocated,
		OwnerServerID: "srv1", CreatedAt: now,
	}))

	n, err := s.DropIncompleteOwnedBy("srv1", "server restarted", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec3, err := s.GetTask("t3")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, rec3.Status)

	rec, err := s.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, rec.Status)
	require.Len(t, rec.Comments, 1)
	assert.Contains(t, rec.Comments[0].Body, "DROPPED!")

	rec, err = s.GetTask("t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusEnqueued, rec.Status)
}
