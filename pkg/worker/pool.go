package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/reporthub/reporthub/pkg/config"
	"github.com/reporthub/reporthub/pkg/log"
	"github.com/reporthub/reporthub/pkg/metrics"
	"github.com/reporthub/reporthub/pkg/task"
)

// Pool supervises the configured number of workers, either as child OS
// processes of the server or as in-process goroutines.
//
// Process workers are told to drain with SIGHUP: they finish their current
// task and exit. Whatever survives the graceful timeout is killed; the
// reaper then demotes any records such a kill leaves running.
type Pool struct {
	cfg        *config.Config
	configPath string
	mgr        *task.Manager
	log        zerolog.Logger

	mu       sync.Mutex
	procs    map[int]*exec.Cmd
	draining bool
	done     sync.WaitGroup

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool creates a worker pool. configPath is handed to child processes
// so they load the same configuration as the server.
func NewPool(cfg *config.Config, configPath string, mgr *task.Manager) *Pool {
	return &Pool{
		cfg:        cfg,
		configPath: configPath,
		mgr:        mgr,
		log:        log.WithComponent("worker-pool"),
		procs:      make(map[int]*exec.Cmd),
	}
}

// Start launches the workers
func (p *Pool) Start() error {
	switch p.cfg.Workers.Mode {
	case config.WorkerModeInProcess:
		return p.startInProcess()
	case config.WorkerModeProcess:
		return p.startProcesses()
	}
	return fmt.Errorf("unknown worker mode %q", p.cfg.Workers.Mode)
}

func (p *Pool) startInProcess() error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers.Count; i++ {
		w := New(i, p.mgr, p.cfg.Workers)
		p.group.Go(func() error {
			metrics.WorkersAlive.Inc()
			defer metrics.WorkersAlive.Dec()
			return w.Run(ctx)
		})
	}
	p.log.Info().Int("count", p.cfg.Workers.Count).Msg("in-process workers started")
	return nil
}

func (p *Pool) startProcesses() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own executable: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.cfg.Workers.Count; i++ {
		if err := p.spawnLocked(exe, i); err != nil {
			return err
		}
	}
	p.log.Info().Int("count", p.cfg.Workers.Count).Msg("worker processes started")
	return nil
}

// spawnLocked starts one worker child. Caller holds p.mu.
func (p *Pool) spawnLocked(exe string, id int) error {
	args := []string{"worker", "--worker-id", strconv.Itoa(id)}
	if p.configPath != "" {
		args = append(args, "--config", p.configPath)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %d: %w", id, err)
	}
	p.procs[id] = cmd
	metrics.WorkersAlive.Inc()
	p.log.Info().Int("worker", id).Int("pid", cmd.Process.Pid).Msg("worker process started")

	p.done.Add(1)
	go p.reap(exe, id, cmd)
	return nil
}

// reap waits on one child and restarts it unless the pool is draining
func (p *Pool) reap(exe string, id int, cmd *exec.Cmd) {
	defer p.done.Done()
	err := cmd.Wait()
	metrics.WorkersAlive.Dec()

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, id)
	if p.draining {
		p.log.Info().Int("worker", id).Msg("worker process exited")
		return
	}

	p.log.Warn().Err(err).Int("worker", id).Msg("worker process died, restarting")
	metrics.WorkerRestartsTotal.Inc()
	if serr := p.spawnLocked(exe, id); serr != nil {
		p.log.Error().Err(serr).Int("worker", id).Msg("failed to restart worker")
	}
}

// Drain asks every worker to finish its current task and exit
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	procs := make([]*exec.Cmd, 0, len(p.procs))
	for _, cmd := range p.procs {
		procs = append(procs, cmd)
	}
	p.mu.Unlock()

	if p.cfg.Workers.Mode == config.WorkerModeInProcess {
		// In-process workers observe the manager's drain flag directly.
		return
	}
	for _, cmd := range procs {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGHUP)
		}
	}
	p.log.Info().Int("count", len(procs)).Msg("sent drain signal to workers")
}

// Stop waits for workers up to the graceful timeout, then kills stragglers
func (p *Pool) Stop() {
	timeout := p.cfg.Workers.GracefulTimeout.Std()

	if p.cfg.Workers.Mode == config.WorkerModeInProcess {
		done := make(chan error, 1)
		go func() { done <- p.group.Wait() }()
		select {
		case <-done:
		case <-time.After(timeout):
			p.log.Warn().Msg("in-process workers missed the graceful timeout")
		}
		if p.cancel != nil {
			p.cancel()
		}
		_ = p.group.Wait()
		return
	}

	finished := make(chan struct{})
	go func() {
		p.done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		p.log.Info().Msg("all worker processes exited")
		return
	case <-time.After(timeout):
	}

	p.mu.Lock()
	for id, cmd := range p.procs {
		if cmd.Process != nil {
			p.log.Warn().Int("worker", id).Msg("killing worker past graceful timeout")
			_ = cmd.Process.Kill()
		}
	}
	p.mu.Unlock()
	<-finished
}
