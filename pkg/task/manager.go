package task

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/configstore"
	"github.com/reporthub/reporthub/pkg/events"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/metrics"
	"github.com/reporthub/reporthub/pkg/types"
)

// backpressureRetryInterval is how often a push re-checks a full queue
// before its deadline expires.
const backpressureRetryInterval = 100 * time.Millisecond

// Manager owns the task lifecycle on one server: allocation, enqueueing,
// claiming, cancellation and the terminal transitions, plus the scratch
// directory bookkeeping.
type Manager struct {
	store    *configstore.Store
	ledger   *Ledger
	kinds    *KindRegistry
	broker   *events.Broker
	cfg      config.TaskConfig
	serverID string
	draining atomic.Bool
	log      zerolog.Logger

	// now is swappable for tests
	now func() time.Time
}

// NewManager creates a task manager bound to this server's identity.
// A nil ledger is allowed in worker processes, which never create or sweep
// data directories; the owning server process handles both.
func NewManager(store *configstore.Store, ledger *Ledger, kinds *KindRegistry,
	broker *events.Broker, cfg config.TaskConfig, serverID string) *Manager {
	return &Manager{
		store:    store,
		ledger:   ledger,
		kinds:    kinds,
		broker:   broker,
		cfg:      cfg,
		serverID: serverID,
		log:      log.WithComponent("task-manager"),
		now:      time.Now,
	}
}

// ServerID returns the identity this manager stamps on owned tasks
func (m *Manager) ServerID() string {
	return m.serverID
}

// Kinds returns the kind registry
func (m *Manager) Kinds() *KindRegistry {
	return m.kinds
}

// NewToken mints a 128-bit task token as 32 hex characters
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: failed to generate task token: %v", types.ErrTransient, err)
	}
	return hex.EncodeToString(buf), nil
}

// Allocate creates a task record in the allocated status. The token exists
// durably from this point on; the caller prepares inputs and then pushes.
func (m *Manager) Allocate(kind, summary, actor, productEndpoint string) (*types.TaskRecord, error) {
	if m.draining.Load() {
		return nil, fmt.Errorf("%w: server is shutting down", types.ErrShuttingDown)
	}
	if _, err := m.kinds.Get(kind); err != nil {
		return nil, err
	}
	token, err := NewToken()
	if err != nil {
		return nil, err
	}
	rec := &types.TaskRecord{
		Token:           token,
		Kind:            kind,
		Summary:         summary,
		Actor:           actor,
		ProductEndpoint: productEndpoint,
		Status:          types.TaskStatusAllocated,
		CreatedAt:       m.now().UTC(),
		// Owned from birth so a restart sweep catches tasks that were
		// allocated but never pushed.
		OwnerServerID: m.serverID,
	}
	if err := m.store.CreateTask(rec); err != nil {
		return nil, err
	}
	l := log.WithToken(m.log, token)
	l.Info().Str("kind", kind).Msg("task allocated")
	m.broker.PublishTask(events.EventTaskAllocated, token, kind)
	return rec, nil
}

// CreateDataDir makes the task's scratch directory under the scratch root
// and pins it in the ledger. Idempotent per token; unknown and terminal
// tokens are refused so every ledger entry maps to a live task.
func (m *Manager) CreateDataDir(token string) (string, error) {
	rec, err := m.store.GetTask(token)
	if err != nil {
		return "", err
	}
	if rec.Status.Terminal() {
		return "", fmt.Errorf("%w: task %q already finished as %s",
			types.ErrNotFound, token, rec.Status)
	}
	if m.ledger == nil {
		return "", fmt.Errorf("%w: no data-dir ledger on this process", types.ErrTransient)
	}
	if existing, err := m.ledger.Path(token); err != nil {
		return "", err
	} else if existing != "" {
		return existing, nil
	}
	dir := filepath.Join(m.cfg.ScratchRoot, token)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := m.ledger.Record(token, dir); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Push stages an allocated task's payload on the work queue, moving it to
// enqueued. A full queue is retried until the push deadline, then rejected
// with backpressure; the task stays allocated and may be pushed again.
func (m *Manager) Push(ctx context.Context, token string, payload json.RawMessage) error {
	if m.draining.Load() {
		return fmt.Errorf("%w: server is shutting down", types.ErrShuttingDown)
	}
	rec, err := m.store.GetTask(token)
	if err != nil {
		return err
	}
	kind, err := m.kinds.Get(rec.Kind)
	if err != nil {
		return err
	}

	var dataDir string
	if m.ledger != nil {
		dataDir, err = m.ledger.Path(token)
		if err != nil {
			return err
		}
	}
	envelope, err := EncodeEnvelope(Envelope{
		Kind:          kind.Name,
		SchemaVersion: kind.SchemaVersion,
		Payload:       payload,
		DataDir:       dataDir,
	})
	if err != nil {
		return err
	}

	deadline := m.now().Add(m.cfg.PushDeadline.Std())
	for {
		pending, err := m.store.PendingCount()
		if err != nil {
			return err
		}
		if pending < m.cfg.QueueSize {
			break
		}
		if m.now().After(deadline) {
			metrics.PushBackpressureTotal.Inc()
			m.log.Warn().Str("token", token).Int("pending", pending).Msg("push rejected, queue full")
			return fmt.Errorf("%w: task queue is full", types.ErrBackpressure)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", types.ErrBackpressure, ctx.Err())
		case <-time.After(backpressureRetryInterval):
		}
	}

	if err := m.store.MarkEnqueued(token, m.serverID, envelope, m.now().UTC()); err != nil {
		return err
	}
	m.refreshQueueDepth()
	m.log.Info().Str("token", token).Str("kind", kind.Name).Msg("task enqueued")
	m.broker.PublishTask(events.EventTaskEnqueued, token, kind.Name)
	return nil
}

// Claim hands the oldest enqueued task to a worker, moving it to running.
// Returns a nil record when the queue is empty.
func (m *Manager) Claim() (*types.TaskRecord, *Envelope, error) {
	token, raw, err := m.store.ClaimNextTask(m.serverID, m.now().UTC())
	if err != nil {
		return nil, nil, err
	}
	if token == "" {
		return nil, nil, nil
	}
	m.refreshQueueDepth()

	rec, err := m.store.GetTask(token)
	if err != nil {
		return nil, nil, err
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		// Unreadable payload cannot run; fail the task in place.
		ferr := m.FinishRunning(token, types.TaskStatusFailed,
			"unhandled: staged payload is unreadable")
		if ferr != nil {
			return nil, nil, ferr
		}
		return nil, nil, err
	}
	m.log.Info().Str("token", token).Str("kind", rec.Kind).Msg("task claimed")
	m.broker.PublishTask(events.EventTaskStarted, token, rec.Kind)
	return rec, &env, nil
}

// Get returns a task record. With consume set, a terminal record has its
// consumed flag stamped after the read so the outcome counts as observed.
func (m *Manager) Get(token string, consume bool) (*types.TaskRecord, error) {
	rec, err := m.store.GetTask(token)
	if err != nil {
		return nil, err
	}
	if consume && rec.Status.Terminal() && !rec.Consumed {
		if err := m.store.SetConsumed(token); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// List returns the task records matching the filter
func (m *Manager) List(filter types.TaskFilter) ([]*types.TaskRecord, error) {
	return m.store.ListTasks(filter)
}

// Cancel flags a task for cooperative cancellation. Terminal tasks are left
// untouched and reported as unchanged.
func (m *Manager) Cancel(token, actor string) (bool, error) {
	changed, err := m.store.RequestCancel(token, actor, m.now().UTC())
	if err != nil {
		return false, err
	}
	if changed {
		m.log.Info().Str("token", token).Str("actor", actor).Msg("cancellation requested")
		m.broker.PublishTask(events.EventTaskCancelAsked, token, actor)
	}
	return changed, nil
}

// AddComment appends a comment to a task
func (m *Manager) AddComment(token, actor, body string) error {
	return m.store.AddTaskComment(token, actor, body, m.now().UTC())
}

// Heartbeat stamps a running task's liveness time
func (m *Manager) Heartbeat(token string) error {
	return m.store.Heartbeat(token, m.serverID, m.now().UTC())
}

// ShouldCancel reports whether a task must stop at its next safe point:
// either its cancel flag is set or this server is draining.
func (m *Manager) ShouldCancel(token string) (bool, error) {
	rec, err := m.store.GetTask(token)
	if err != nil {
		return false, err
	}
	if rec.Status != types.TaskStatusEnqueued && rec.Status != types.TaskStatusRunning {
		return false, nil
	}
	return rec.CancelRequested || m.draining.Load(), nil
}

// SetDraining flips the drain flag. A draining server refuses new work and
// asks running tasks to stop.
func (m *Manager) SetDraining(draining bool) {
	m.draining.Store(draining)
	if draining {
		m.log.Info().Msg("task intake draining")
		m.broker.Publish(&events.Event{Type: events.EventServerDraining})
	}
}

// Draining reports whether the drain flag is set
func (m *Manager) Draining() bool {
	return m.draining.Load()
}

// FinishRunning moves a running task to the given terminal status, stamps
// duration metrics and starts the data directory grace clock.
func (m *Manager) FinishRunning(token string, to types.TaskStatus, comment string) error {
	rec, err := m.store.GetTask(token)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	err = m.store.FinishTask(token,
		[]types.TaskStatus{types.TaskStatusRunning}, to, comment, types.SystemActor, now)
	if err != nil {
		return err
	}
	if rec.StartedAt != nil {
		metrics.TaskDuration.WithLabelValues(rec.Kind, string(to)).
			Observe(now.Sub(*rec.StartedAt).Seconds())
	}
	if m.ledger != nil {
		if err := m.ledger.SetDeadline(token, now.Add(m.cfg.DataDirGrace.Std())); err != nil {
			m.log.Warn().Err(err).Str("token", token).Msg("failed to stamp data-dir grace deadline")
		}
	}
	l := log.WithToken(m.log, token)
	l.Info().Str("status", string(to)).Msg("task finished")
	m.broker.PublishTask(terminalEvent(to), token, string(to))
	return nil
}

func terminalEvent(to types.TaskStatus) events.EventType {
	switch to {
	case types.TaskStatusCompleted:
		return events.EventTaskCompleted
	case types.TaskStatusFailed:
		return events.EventTaskFailed
	case types.TaskStatusCancelled:
		return events.EventTaskCancelled
	}
	return events.EventTaskDropped
}

// StartupSweep drops the incomplete tasks a previous run of this server
// left behind and starts the grace clock on their data directories.
func (m *Manager) StartupSweep() error {
	now := m.now().UTC()
	n, err := m.store.DropIncompleteOwnedBy(m.serverID,
		"The server owning this task stopped without finishing it.", now)
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Warn().Int("count", n).Msg("dropped incomplete tasks from previous run")
	}

	if m.ledger == nil {
		return nil
	}
	// Orphaned ledger entries belong to tasks that never reached a terminal
	// write; give them the normal grace rather than deleting outright.
	tokens, err := m.ledger.Tokens()
	if err != nil {
		return err
	}
	for _, token := range tokens {
		rec, err := m.store.GetTask(token)
		if err != nil || rec.Status.Terminal() {
			if derr := m.ledger.SetDeadline(token, now.Add(m.cfg.DataDirGrace.Std())); derr != nil {
				m.log.Warn().Err(derr).Str("token", token).Msg("failed to stamp orphan data dir")
			}
		}
	}
	m.refreshQueueDepth()
	return nil
}

// ShutdownSweep drops whatever this server still owns, recording the reason
func (m *Manager) ShutdownSweep(reason string) error {
	n, err := m.store.DropIncompleteOwnedBy(m.serverID, reason, m.now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		m.log.Info().Int("count", n).Msg("dropped unfinished tasks at shutdown")
	}
	return nil
}

func (m *Manager) refreshQueueDepth() {
	if pending, err := m.store.PendingCount(); err == nil {
		metrics.QueueDepth.Set(float64(pending))
	}
}
