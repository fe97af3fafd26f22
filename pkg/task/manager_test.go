package task

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/types"
)

func testTaskConfig(t *testing.T) config.TaskConfig {
	t.Helper()
	return config.TaskConfig{
		ScratchRoot:       filepath.Join(t.TempDir(), "scratch"),
		QueueSize:         4,
		PushDeadline:      config.Duration(300 * time.Millisecond),
		StaleAfter:        config.Duration(2 * time.Minute),
		OrphanAfter:       config.Duration(30 * time.Minute),
		ReaperInterval:    config.Duration(time.Hour),
		DataDirGrace:      config.Duration(time.Hour),
		AwaitPollInterval: config.Duration(10 * time.Millisecond),
	}
}

func testManager(t *testing.T, cfg config.TaskConfig) *Manager {
	t.Helper()
	store, err := configstore.Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "config.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger, err := OpenLedger(filepath.Join(cfg.ScratchRoot, "datadirs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	kinds := NewKindRegistry()
	require.NoError(t, RegisterBuiltins(kinds))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	return NewManager(store, ledger, kinds, broker, cfg, "test-server@local")
}

func TestAllocateAndPush(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))

	rec, err := mgr.Allocate("echo", "say hello", "alice", "")
	require.NoError(t, err)
	assert.Len(t, rec.Token, 32)
	assert.Equal(t, types.TaskStatusAllocated, rec.Status)

	require.NoError(t, mgr.Push(context.Background(), rec.Token, []byte(`{"message":"hi"}`)))

	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusEnqueued, got.Status)
	assert.Equal(t, "test-server@local", got.OwnerServerID)

	// A second push of the same task must fail the status precondition.
	err = mgr.Push(context.Background(), rec.Token, nil)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestAllocateUnknownKind(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	_, err := mgr.Allocate("no-such-kind", "x", "alice", "")
	assert.ErrorIs(t, err, types.ErrInputMalformed)
}

func TestPushBackpressure(t *testing.T) {
	cfg := testTaskConfig(t)
	cfg.QueueSize = 1
	mgr := testManager(t, cfg)

	first, err := mgr.Allocate("echo", "one", "alice", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), first.Token, nil))

	second, err := mgr.Allocate("echo", "two", "alice", "")
	require.NoError(t, err)
	err = mgr.Push(context.Background(), second.Token, nil)
	assert.ErrorIs(t, err, types.ErrBackpressure)

	// The rejected task stays allocated and is pushable once there is room.
	got, err := mgr.Get(second.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAllocated, got.Status)

	claimed, _, err := mgr.Claim()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, mgr.Push(context.Background(), second.Token, nil))
}

func TestClaimAndFinish(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))

	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, []byte(`{"message":"hi"}`)))

	claimed, env, err := mgr.Claim()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, rec.Token, claimed.Token)
	assert.Equal(t, "echo", env.Kind)

	require.NoError(t, mgr.FinishRunning(rec.Token, types.TaskStatusCompleted, ""))
	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)

	// Empty queue yields a nil record, not an error.
	claimed, _, err = mgr.Claim()
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestConsumeOnGet(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	// Non-terminal reads never consume.
	got, err := mgr.Get(rec.Token, true)
	require.NoError(t, err)
	assert.False(t, got.Consumed)

	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	_, _, err = mgr.Claim()
	require.NoError(t, err)
	require.NoError(t, mgr.FinishRunning(rec.Token, types.TaskStatusCompleted, ""))

	_, err = mgr.Get(rec.Token, true)
	require.NoError(t, err)
	got, err = mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.True(t, got.Consumed)
}

func TestShouldCancel(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	// Allocated tasks report no cancellation even with the flag set.
	cancel, err := mgr.ShouldCancel(rec.Token)
	require.NoError(t, err)
	assert.False(t, cancel)

	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	changed, err := mgr.Cancel(rec.Token, "admin")
	require.NoError(t, err)
	assert.True(t, changed)

	cancel, err = mgr.ShouldCancel(rec.Token)
	require.NoError(t, err)
	assert.True(t, cancel)
}

func TestDrainingRefusesIntake(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	mgr.SetDraining(true)

	_, err = mgr.Allocate("echo", "y", "alice", "")
	assert.ErrorIs(t, err, types.ErrShuttingDown)
	err = mgr.Push(context.Background(), rec.Token, nil)
	assert.ErrorIs(t, err, types.ErrShuttingDown)

	// Draining makes every live task report cancellation.
	mgr.SetDraining(false)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	mgr.SetDraining(true)
	cancel, err := mgr.ShouldCancel(rec.Token)
	require.NoError(t, err)
	assert.True(t, cancel)
}

func TestCreateDataDir(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	dir, err := mgr.CreateDataDir(rec.Token)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	// Idempotent.
	again, err := mgr.CreateDataDir(rec.Token)
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	// The directory path rides along in the envelope.
	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	_, env, err := mgr.Claim()
	require.NoError(t, err)
	assert.Equal(t, dir, env.DataDir)
}

func TestCreateDataDirUnknownToken(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))

	_, err := mgr.CreateDataDir("ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCreateDataDirFinishedTask(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	_, _, err = mgr.Claim()
	require.NoError(t, err)
	require.NoError(t, mgr.FinishRunning(rec.Token, types.TaskStatusCompleted, ""))

	// Terminal tasks will never run again, so no scratch space for them.
	_, err = mgr.CreateDataDir(rec.Token)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStartupSweepDropsOwnLeftovers(t *testing.T) {
	cfg := testTaskConfig(t)
	mgr := testManager(t, cfg)

	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, nil))
	_, _, err = mgr.Claim()
	require.NoError(t, err)

	// Simulate the next run of the same server.
	require.NoError(t, mgr.StartupSweep())

	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, got.Status)
	require.NotEmpty(t, got.Comments)
	assert.Contains(t, got.Comments[0].Body, "DROPPED!")
}

func TestStartupSweepDropsAllocatedNeverPushed(t *testing.T) {
	mgr := testManager(t, testTaskConfig(t))

	// The allocating process died between allocate and push.
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	require.NoError(t, mgr.StartupSweep())

	got, err := mgr.Get(rec.Token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, got.Status)
	require.NotEmpty(t, got.Comments)
	assert.Contains(t, got.Comments[0].Body, "DROPPED!")
}

func TestLedgerSweepRemovesExpiredDirs(t *testing.T) {
	cfg := testTaskConfig(t)
	mgr := testManager(t, cfg)
	rec, err := mgr.Allocate("echo", "x", "alice", "")
	require.NoError(t, err)

	dir, err := mgr.CreateDataDir(rec.Token)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o600))

	// Pinned entries survive a sweep.
	n, err := mgr.ledger.Sweep(time.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.DirExists(t, dir)

	require.NoError(t, mgr.ledger.SetDeadline(rec.Token, time.Now().Add(-time.Minute)))
	n, err = mgr.ledger.Sweep(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, dir)
}
