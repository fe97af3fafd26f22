/*
Package worker executes background tasks claimed from the shared queue.

Workers normally run as child OS processes supervised by the server's
pool, so a crashing task implementation never takes the API down. An
in-process mode runs the same loop on goroutines for tests and
single-user setups.

# Worker Loop

Each worker polls the task manager for enqueued work, executes the
claimed task's kind implementation, and writes the terminal status back:

  - a nil error completes the task
  - task.ErrCancelled resolves to cancelled or dropped depending on
    whether a user actually asked for cancellation
  - any other error, and any panic, fails the task with a closing
    comment carrying the message

Terminal writes are retried with backoff; losing the write race to the
reaper (which may have presumed the task dead) is not an error.

# Process Mode

The pool spawns children of the server's own executable with a hidden
worker subcommand, inheriting stdout/stderr. A crashed child is
restarted unless the pool is draining. Draining sends each child SIGHUP,
which flips the child's manager into drain mode: running tasks observe
ShouldCancel and wind down, then the process exits. Children that
outlive the graceful timeout are killed.

Worker processes open their own connection to the configuration store
and run without a data-directory ledger; the server's reaper reconciles
directory deadlines after their terminal writes land.
*/
package worker
