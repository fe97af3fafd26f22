package task

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/metrics"
	"github.com/reporthub/reporthub/pkg/types"
)

// Reaper is the periodic janitor of the task engine. It demotes running
// tasks whose heartbeat went stale, drops allocated records that were never
// pushed, and removes data directories past their grace deadline.
type Reaper struct {
	mgr    *Manager
	stopCh chan struct{}
	log    zerolog.Logger
}

// NewReaper creates a reaper over the task manager
func NewReaper(mgr *Manager) *Reaper {
	return &Reaper{
		mgr:    mgr,
		stopCh: make(chan struct{}),
		log:    log.WithComponent("task-reaper"),
	}
}

// Start begins the sweep loop
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reaper
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.mgr.cfg.ReaperInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(); err != nil {
				r.log.Error().Err(err).Msg("sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one reaper cycle
func (r *Reaper) Sweep() error {
	now := r.mgr.now().UTC()

	if err := r.sweepRunning(now); err != nil {
		r.log.Error().Err(err).Msg("failed to sweep running tasks")
	}
	if err := r.sweepAllocated(now); err != nil {
		r.log.Error().Err(err).Msg("failed to sweep allocated tasks")
	}
	if r.mgr.ledger != nil {
		if err := r.promotePinned(now); err != nil {
			r.log.Error().Err(err).Msg("failed to promote pinned data directories")
		}
		if n, err := r.mgr.ledger.Sweep(now); err != nil {
			r.log.Error().Err(err).Msg("failed to sweep data directories")
		} else if n > 0 {
			r.log.Info().Int("count", n).Msg("removed expired data directories")
		}
	}

	r.refreshGauges()
	return nil
}

// sweepRunning demotes running tasks whose last heartbeat is older than the
// stale threshold. Tasks owned by this server use the tight threshold; a
// task owned by another server gets the longer orphan threshold so a slow
// peer is not reaped out from under itself.
func (r *Reaper) sweepRunning(now time.Time) error {
	running, err := r.mgr.store.ListTasks(types.TaskFilter{
		Statuses: []types.TaskStatus{types.TaskStatusRunning},
	})
	if err != nil {
		return err
	}

	for _, rec := range running {
		last := rec.CreatedAt
		if rec.LastHeartbeatAt != nil {
			last = *rec.LastHeartbeatAt
		}
		threshold := r.mgr.cfg.StaleAfter.Std()
		reason := "stale"
		if rec.OwnerServerID != r.mgr.serverID {
			threshold = r.mgr.cfg.OrphanAfter.Std()
			reason = "orphan"
		}
		if now.Sub(last) <= threshold {
			continue
		}

		err := r.mgr.store.FinishTask(rec.Token,
			[]types.TaskStatus{types.TaskStatusRunning}, types.TaskStatusDropped,
			"DROPPED!\nThe task stopped heartbeating and was presumed dead.",
			types.SystemActor, now)
		if err != nil {
			// Lost the race to a real terminal write; that is the good case.
			if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrNotFound) {
				continue
			}
			return err
		}
		metrics.ReaperDemotionsTotal.WithLabelValues(reason).Inc()
		r.log.Warn().
			Str("token", rec.Token).
			Str("owner", rec.OwnerServerID).
			Str("reason", reason).
			Msg("demoted stale running task")
	}
	return nil
}

// sweepAllocated drops allocated records that were never pushed within the
// orphan threshold. Without this an abandoned allocation would pin its
// token forever.
func (r *Reaper) sweepAllocated(now time.Time) error {
	allocated, err := r.mgr.store.ListTasks(types.TaskFilter{
		Statuses: []types.TaskStatus{types.TaskStatusAllocated},
	})
	if err != nil {
		return err
	}

	for _, rec := range allocated {
		if now.Sub(rec.CreatedAt) <= r.mgr.cfg.OrphanAfter.Std() {
			continue
		}
		err := r.mgr.store.FinishTask(rec.Token,
			[]types.TaskStatus{types.TaskStatusAllocated}, types.TaskStatusDropped,
			"DROPPED!\nThe task was allocated but never enqueued.",
			types.SystemActor, now)
		if err != nil {
			if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrNotFound) {
				continue
			}
			return err
		}
		metrics.ReaperDemotionsTotal.WithLabelValues("never_enqueued").Inc()
		r.log.Warn().Str("token", rec.Token).Msg("dropped never-enqueued task")
	}
	return nil
}

// promotePinned starts the grace clock on directories whose task reached a
// terminal status. Terminal writes happen in worker processes which have no
// ledger access, so the stamp lands here.
func (r *Reaper) promotePinned(now time.Time) error {
	tokens, err := r.mgr.ledger.PinnedTokens()
	if err != nil {
		return err
	}
	for _, token := range tokens {
		rec, err := r.mgr.store.GetTask(token)
		if err == nil && !rec.Status.Terminal() {
			continue
		}
		if derr := r.mgr.ledger.SetDeadline(token, now.Add(r.mgr.cfg.DataDirGrace.Std())); derr != nil {
			return derr
		}
	}
	return nil
}

func (r *Reaper) refreshGauges() {
	all, err := r.mgr.store.ListTasks(types.TaskFilter{})
	if err != nil {
		return
	}
	counts := map[types.TaskStatus]int{}
	for _, rec := range all {
		counts[rec.Status]++
	}
	for _, st := range []types.TaskStatus{
		types.TaskStatusAllocated, types.TaskStatusEnqueued, types.TaskStatusRunning,
		types.TaskStatusCompleted, types.TaskStatusFailed, types.TaskStatusCancelled,
		types.TaskStatusDropped,
	} {
		metrics.TasksTotal.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	r.mgr.refreshQueueDepth()
}
