/*
Package task provides ReportHub's durable background task engine.

The task package implements cross-process background execution: tasks are
allocated, staged into a durable queue and claimed by worker processes,
with every state transition recorded in the shared configuration store so
any server process sharing the store observes the same lifecycle. Scratch
data directories are tracked in a host-local ledger with grace deadlines
that survive restarts.

# Architecture

Task state lives in two tables of the configuration store, claimed and
advanced with compare-and-swap status updates:

	┌──────────────────── TASK ENGINE ─────────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Manager                        │          │
	│  │  - Allocate / Push / Claim / Finish         │          │
	│  │  - Backpressure on queue capacity           │          │
	│  │  - Drain flag for graceful shutdown         │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          State Machine                      │          │
	│  │                                             │          │
	│  │  allocated → enqueued → running             │          │
	│  │                            ↓                │          │
	│  │  completed | failed | cancelled | dropped   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Supporting Pieces                  │          │
	│  │  KindRegistry: named task implementations   │          │
	│  │  Ledger: host-local data dir bookkeeping    │          │
	│  │  Reaper: stale/orphan demotion, dir sweep   │          │
	│  └────────────────────────────────────────────┘          │
	└──────────────────────────────────────────────────────────┘

# Core Components

Manager:
  - Allocates tokens before the payload exists (two-phase intake)
  - Pushes staged payloads with a deadline-bounded backpressure loop
  - Claims the oldest enqueued task for a worker
  - Records terminal transitions and publishes lifecycle events

KindRegistry:
  - Maps kind names to executable implementations
  - Each kind carries a payload schema version
  - Registration is startup-time only; duplicates are rejected

Ledger:
  - bbolt file tracking scratch data directories on this host
  - Entries are pinned (no removal deadline) while the task lives
  - The reaper stamps a grace deadline once the task is terminal

Reaper:
  - Demotes running tasks that stopped heartbeating to dropped
  - Uses a longer threshold for tasks owned by other servers
  - Drops allocated tasks that were never enqueued
  - Sweeps data directories past their removal deadline

# Task Lifecycle

 1. Allocate reserves a token and records the actor and summary
 2. CreateDataDir (optional) provisions a scratch directory
 3. Push stages the payload; capacity is enforced with retries until
    the push deadline, then the intake is refused with backpressure
 4. A worker Claims the task, flipping it to running
 5. The implementation heartbeats and polls ShouldCancel while working
 6. FinishRunning records the terminal status and a closing comment

Cancellation is cooperative: Cancel sets a flag, the running
implementation observes it via ShouldCancel and stops at its own pace.
A task stopped because of a cancel request ends cancelled; one stopped
by a server drain or presumed dead ends dropped.

# Usage

Registering a kind:

	kinds := task.NewKindRegistry()
	err := kinds.Register(task.Kind{
		Name:          "compress-datadir",
		SchemaVersion: 1,
		Run:           runCompress,
	})

Submitting work:

	rec, err := mgr.Allocate("echo", "say hello", actor, "")
	if err != nil {
		return err
	}
	if err := mgr.Push(ctx, rec.Token, payload); err != nil {
		return err
	}

Worker side:

	rec, env, err := mgr.Claim()
	if rec == nil {
		// queue empty, poll again later
	}

# Design Notes

The queue is a table, not a channel: enqueued tasks survive process
crashes and are visible to every server sharing the configuration store.
Claiming uses a status-predicated UPDATE so concurrent workers never
double-claim. The ledger is deliberately host-local; worker processes
run without one and the reaper reconciles directory deadlines after
their terminal writes land.
*/
package task
