package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/task"
	"github.com/reporthub/reporthub/pkg/types"
)

func testWorkerSetup(t *testing.T) (*task.Manager, config.WorkerConfig) {
	t.Helper()
	store, err := configstore.Open(types.ConnectionSpec{
		Driver: types.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "config.sqlite"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	scratch := t.TempDir()
	ledger, err := task.OpenLedger(filepath.Join(scratch, "datadirs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	kinds := task.NewKindRegistry()
	require.NoError(t, task.RegisterBuiltins(kinds))
	require.NoError(t, kinds.Register(task.Kind{
		Name:          "boom",
		SchemaVersion: 1,
		Run: func(ctx context.Context, rt task.Runtime, payload json.RawMessage) error {
			panic("kaboom")
		},
	}))

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	taskCfg := config.TaskConfig{
		ScratchRoot:       scratch,
		QueueSize:         8,
		PushDeadline:      config.Duration(time.Second),
		StaleAfter:        config.Duration(2 * time.Minute),
		OrphanAfter:       config.Duration(30 * time.Minute),
		ReaperInterval:    config.Duration(time.Hour),
		DataDirGrace:      config.Duration(time.Hour),
		AwaitPollInterval: config.Duration(10 * time.Millisecond),
	}
	mgr := task.NewManager(store, ledger, kinds, broker, taskCfg, "test-server@local")

	workerCfg := config.WorkerConfig{
		Count:           1,
		Mode:            config.WorkerModeInProcess,
		GracefulTimeout: config.Duration(5 * time.Second),
		PollInterval:    config.Duration(10 * time.Millisecond),
	}
	return mgr, workerCfg
}

func pushTask(t *testing.T, mgr *task.Manager, kind string, payload string) string {
	t.Helper()
	rec, err := mgr.Allocate(kind, "test", "alice", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Push(context.Background(), rec.Token, json.RawMessage(payload)))
	return rec.Token
}

func waitStatus(t *testing.T, mgr *task.Manager, token string, want types.TaskStatus) *types.TaskRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := mgr.Get(token, false)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		if rec.Status.Terminal() {
			t.Fatalf("task %s ended as %s, want %s", token, rec.Status, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", token, want)
	return nil
}

// runWorker starts one worker and returns a stop function that drains it
func runWorker(t *testing.T, mgr *task.Manager, cfg config.WorkerConfig) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(0, mgr, cfg).Run(ctx) }()
	return func() {
		mgr.SetDraining(true)
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorkerCompletesTask(t *testing.T) {
	mgr, cfg := testWorkerSetup(t)
	token := pushTask(t, mgr, "echo", `{"message":"hello"}`)

	stop := runWorker(t, mgr, cfg)
	defer stop()

	rec := waitStatus(t, mgr, token, types.TaskStatusCompleted)
	assert.Empty(t, rec.OwnerServerID)
	require.NotEmpty(t, rec.Comments)
	assert.Contains(t, rec.Comments[len(rec.Comments)-1].Body, "echo: hello")
}

func TestWorkerFailsTaskWithComment(t *testing.T) {
	mgr, cfg := testWorkerSetup(t)
	token := pushTask(t, mgr, "echo", `{"message":"x","fail":true}`)

	stop := runWorker(t, mgr, cfg)
	defer stop()

	rec := waitStatus(t, mgr, token, types.TaskStatusFailed)
	require.NotEmpty(t, rec.Comments)
	assert.Contains(t, rec.Comments[len(rec.Comments)-1].Body, "unhandled:")
}

func TestWorkerContainsPanics(t *testing.T) {
	mgr, cfg := testWorkerSetup(t)
	token := pushTask(t, mgr, "boom", `{}`)

	stop := runWorker(t, mgr, cfg)
	defer stop()

	rec := waitStatus(t, mgr, token, types.TaskStatusFailed)
	require.NotEmpty(t, rec.Comments)
	assert.Contains(t, rec.Comments[len(rec.Comments)-1].Body, "task panicked")
}

func TestWorkerCancelsBeforeStart(t *testing.T) {
	mgr, cfg := testWorkerSetup(t)
	token := pushTask(t, mgr, "echo", `{"message":"x"}`)

	// Flag the task while it still sits in the queue.
	changed, err := mgr.Cancel(token, "admin")
	require.NoError(t, err)
	require.True(t, changed)

	stop := runWorker(t, mgr, cfg)
	defer stop()

	rec := waitStatus(t, mgr, token, types.TaskStatusCancelled)
	var bodies []string
	for _, c := range rec.Comments {
		bodies = append(bodies, c.Body)
	}
	assert.Contains(t, bodies, "Cancelled before execution began.")
}

func TestWorkerCancelsMidRun(t *testing.T) {
	mgr, cfg := testWorkerSetup(t)
	token := pushTask(t, mgr, "echo", `{"message":"x","steps":200,"step_delay_ms":50}`)

	stop := runWorker(t, mgr, cfg)
	defer stop()

	waitStatus(t, mgr, token, types.TaskStatusRunning)
	_, err := mgr.Cancel(token, "admin")
	require.NoError(t, err)

	rec := waitStatus(t, mgr, token, types.TaskStatusCancelled)
	require.NotEmpty(t, rec.Comments)
}

func TestDrainMidRunDropsTask(t *testing.T) {
	mgr, cfg := testWorkerSetup(t)
	token := pushTask(t, mgr, "echo", `{"message":"x","steps":200,"step_delay_ms":50}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- New(0, mgr, cfg).Run(ctx) }()

	waitStatus(t, mgr, token, types.TaskStatusRunning)

	// No user asked for cancellation; stopping the server drops the task.
	mgr.SetDraining(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not drain")
	}

	rec, err := mgr.Get(token, false)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusDropped, rec.Status)
	require.NotEmpty(t, rec.Comments)
	assert.Contains(t, rec.Comments[len(rec.Comments)-1].Body, "DROPPED!")
}
