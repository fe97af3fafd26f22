package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/task"
	"github.com/reporthub/reporthub/pkg/types"
)

// terminalWriteRetries bounds how often a worker retries persisting a
// task's terminal status before giving up and exiting.
const terminalWriteRetries = 5

// Worker is one claim-and-execute loop over the task queue
type Worker struct {
	id  int
	mgr *task.Manager
	cfg config.WorkerConfig
	log zerolog.Logger
}

// New creates a worker over the task manager
func New(id int, mgr *task.Manager, cfg config.WorkerConfig) *Worker {
	return &Worker{
		id:  id,
		mgr: mgr,
		cfg: cfg,
		log: log.WithComponent("worker").With().Int("worker", id).Logger(),
	}
}

// Run claims and executes tasks until the context is cancelled. When the
// manager is draining the loop finishes its current task and returns.
func (w *Worker) Run(ctx context.Context) error {
	claimFailures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if w.mgr.Draining() {
			w.log.Info().Msg("worker drained")
			return nil
		}

		rec, env, err := w.mgr.Claim()
		if err != nil {
			claimFailures++
			if claimFailures >= terminalWriteRetries {
				return fmt.Errorf("queue claim keeps failing: %w", err)
			}
			w.log.Warn().Err(err).Msg("claim failed")
			w.sleep(ctx, w.cfg.PollInterval.Std())
			continue
		}
		claimFailures = 0

		if rec == nil {
			w.sleep(ctx, w.cfg.PollInterval.Std())
			continue
		}
		if err := w.execute(ctx, rec, env); err != nil {
			return err
		}
	}
}

// execute runs one claimed task to a terminal status. The returned error is
// non-nil only when the terminal status could not be persisted, which makes
// the worker itself unusable.
func (w *Worker) execute(ctx context.Context, rec *types.TaskRecord, env *task.Envelope) error {
	tlog := log.WithToken(w.log, rec.Token).With().Str("kind", rec.Kind).Logger()

	// The cancel flag may have been set while the task sat in the queue.
	if cancel, err := w.mgr.ShouldCancel(rec.Token); err == nil && cancel {
		tlog.Info().Msg("cancelled before start")
		return w.finish(rec.Token, w.cancelStatus(rec.Token), "Cancelled before execution began.")
	}

	kind, err := w.mgr.Kinds().Get(env.Kind)
	if err != nil {
		tlog.Error().Err(err).Msg("unknown task kind")
		return w.finish(rec.Token, types.TaskStatusFailed, "unhandled: "+err.Error())
	}

	rt := &runtime{token: rec.Token, dataDir: env.DataDir, mgr: w.mgr, log: tlog}
	runErr := w.runGuarded(ctx, kind, rt, env)

	switch {
	case runErr == nil:
		tlog.Info().Msg("task completed")
		return w.finish(rec.Token, types.TaskStatusCompleted, "")
	case errors.Is(runErr, task.ErrCancelled):
		status := w.cancelStatus(rec.Token)
		tlog.Info().Str("status", string(status)).Msg("task stopped cooperatively")
		comment := "CANCELLED!\nThe task stopped at a cancellation request."
		if status == types.TaskStatusDropped {
			comment = "DROPPED!\nThe server was shut down while the task was running."
		}
		return w.finish(rec.Token, status, comment)
	default:
		tlog.Error().Err(runErr).Msg("task failed")
		return w.finish(rec.Token, types.TaskStatusFailed, "unhandled: "+runErr.Error())
	}
}

// runGuarded invokes the kind's run function with panic containment. A
// panicking task kind fails its own task, nothing more.
func (w *Worker) runGuarded(ctx context.Context, kind task.Kind, rt *runtime, env *task.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return kind.Run(ctx, rt, env.Payload)
}

// cancelStatus picks the terminal status for a cooperative stop: a task
// whose cancel flag was set by a user is cancelled, one stopped only by the
// server going away is dropped.
func (w *Worker) cancelStatus(token string) types.TaskStatus {
	rec, err := w.mgr.Get(token, false)
	if err == nil && rec.CancelRequested {
		return types.TaskStatusCancelled
	}
	return types.TaskStatusDropped
}

// finish persists the terminal status with bounded retries. The record must
// not be left running: a worker that cannot write terminal states exits so
// the reaper and supervisor take over.
func (w *Worker) finish(token string, to types.TaskStatus, comment string) error {
	var err error
	for attempt := 0; attempt < terminalWriteRetries; attempt++ {
		err = w.mgr.FinishRunning(token, to, comment)
		if err == nil {
			return nil
		}
		if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrNotFound) {
			// Someone else already finished it, usually the reaper.
			w.log.Warn().Err(err).Str("token", token).Msg("terminal status already written")
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	w.log.Error().Err(err).Str("token", token).Msg("giving up on terminal write")
	return fmt.Errorf("cannot persist terminal status for %s: %w", token, err)
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// runtime bridges a running task back to the manager under its own token
type runtime struct {
	token   string
	dataDir string
	mgr     *task.Manager
	log     zerolog.Logger
}

func (r *runtime) Token() string   { return r.token }
func (r *runtime) DataDir() string { return r.dataDir }

func (r *runtime) Heartbeat() {
	if err := r.mgr.Heartbeat(r.token); err != nil {
		r.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (r *runtime) ShouldCancel() bool {
	cancel, err := r.mgr.ShouldCancel(r.token)
	if err != nil {
		r.log.Warn().Err(err).Msg("cancel check failed")
		return false
	}
	return cancel
}

func (r *runtime) AddComment(body string) {
	if err := r.mgr.AddComment(r.token, types.SystemActor, body); err != nil {
		r.log.Warn().Err(err).Msg("comment write failed")
	}
}
