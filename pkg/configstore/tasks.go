package configstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reporthub/reporthub/pkg/types"
)

type taskRow struct {
	Token           string        `db:"token"`
	Kind            string        `db:"kind"`
	Summary         string        `db:"summary"`
	Actor           string        `db:"actor"`
	ProductEndpoint string        `db:"product_endpoint"`
	Status          string        `db:"status"`
	CreatedAt       int64         `db:"created_at"`
	EnqueuedAt      sql.NullInt64 `db:"enqueued_at"`
	StartedAt       sql.NullInt64 `db:"started_at"`
	LastHeartbeatAt sql.NullInt64 `db:"last_heartbeat_at"`
	FinishedAt      sql.NullInt64 `db:"finished_at"`
	CancelRequested bool          `db:"cancel_requested"`
	OwnerServerID   string        `db:"owner_server_id"`
	Consumed        bool          `db:"consumed"`
}

func (r *taskRow) record() *types.TaskRecord {
	return &types.TaskRecord{
		Token:           r.Token,
		Kind:            r.Kind,
		Summary:         r.Summary,
		Actor:           r.Actor,
		ProductEndpoint: r.ProductEndpoint,
		Status:          types.TaskStatus(r.Status),
		CreatedAt:       fromEpoch(r.CreatedAt),
		EnqueuedAt:      fromNullEpoch(r.EnqueuedAt),
		StartedAt:       fromNullEpoch(r.StartedAt),
		LastHeartbeatAt: fromNullEpoch(r.LastHeartbeatAt),
		FinishedAt:      fromNullEpoch(r.FinishedAt),
		CancelRequested: r.CancelRequested,
		OwnerServerID:   r.OwnerServerID,
		Consumed:        r.Consumed,
	}
}

// CreateTask inserts a freshly allocated task record. The insert is atomic:
// either the record becomes visible to all readers or the call fails.
func (s *Store) CreateTask(rec *types.TaskRecord) error {
	_, err := s.db.Exec(s.rebind(
		`INSERT INTO tasks (token, kind, summary, actor, product_endpoint, status,
		                    created_at, cancel_requested, owner_server_id, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.Token, rec.Kind, rec.Summary, rec.Actor, rec.ProductEndpoint,
		string(rec.Status), epoch(rec.CreatedAt), rec.CancelRequested,
		rec.OwnerServerID, rec.Consumed)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") ||
			strings.Contains(strings.ToLower(err.Error()), "duplicate") {
			return fmt.Errorf("%w: task token %q already exists", types.ErrConflict, rec.Token)
		}
		return fmt.Errorf("%w: failed to insert task: %v", types.ErrTransient, err)
	}
	return nil
}

// GetTask returns the task record with its comments
func (s *Store) GetTask(token string) (*types.TaskRecord, error) {
	var row taskRow
	if err := s.db.Get(&row, s.rebind(`SELECT * FROM tasks WHERE token = ?`), token); err != nil {
		return nil, notFound(err, "task", token)
	}
	rec := row.record()
	comments, err := s.taskComments(token)
	if err != nil {
		return nil, err
	}
	rec.Comments = comments
	return rec, nil
}

func (s *Store) taskComments(token string) ([]types.TaskComment, error) {
	rows, err := s.db.Queryx(s.rebind(
		`SELECT actor, created_at, body FROM task_comments WHERE token = ? ORDER BY created_at ASC, id ASC`),
		token)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load comments: %v", types.ErrTransient, err)
	}
	defer rows.Close()

	var comments []types.TaskComment
	for rows.Next() {
		var actor, body string
		var createdAt int64
		if err := rows.Scan(&actor, &createdAt, &body); err != nil {
			return nil, fmt.Errorf("%w: failed to scan comment: %v", types.ErrTransient, err)
		}
		comments = append(comments, types.TaskComment{
			Actor:     actor,
			Timestamp: fromEpoch(createdAt),
			Body:      body,
		})
	}
	return comments, rows.Err()
}

// ListTasks returns the records matching the filter, oldest first
func (s *Store) ListTasks(filter types.TaskFilter) ([]*types.TaskRecord, error) {
	where := []string{"1 = 1"}
	var args []interface{}

	in := func(column string, values []string) {
		where = append(where, fmt.Sprintf("%s IN (%s)", column, placeholders(len(values))))
		for _, v := range values {
			args = append(args, v)
		}
	}

	if len(filter.Tokens) > 0 {
		in("token", filter.Tokens)
	}
	if len(filter.Kinds) > 0 {
		in("kind", filter.Kinds)
	}
	if len(filter.Statuses) > 0 {
		values := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			values[i] = string(st)
		}
		in("status", values)
	}
	if len(filter.Actors) > 0 {
		in("actor", filter.Actors)
	}
	if len(filter.OwnerServerIDs) > 0 {
		in("owner_server_id", filter.OwnerServerIDs)
	}
	if filter.ServerWideOnly {
		where = append(where, "product_endpoint = ''")
	} else if len(filter.ProductEndpoints) > 0 {
		in("product_endpoint", filter.ProductEndpoints)
	}

	span := func(column string, after, before *time.Time) {
		if after != nil {
			where = append(where, column+" >= ?")
			args = append(args, epoch(*after))
		}
		if before != nil {
			where = append(where, column+" <= ?")
			args = append(args, epoch(*before))
		}
	}
	span("enqueued_at", filter.EnqueuedAfter, filter.EnqueuedBefore)
	span("started_at", filter.StartedAfter, filter.StartedBefore)
	span("finished_at", filter.FinishedAfter, filter.FinishedBefore)

	tern := func(column string, t types.Ternary) {
		switch t {
		case types.TernaryOn:
			where = append(where, column+" = ?")
			args = append(args, true)
		case types.TernaryOff:
			where = append(where, column+" = ?")
			args = append(args, false)
		}
	}
	tern("cancel_requested", filter.CancelRequested)
	tern("consumed", filter.Consumed)

	query := `SELECT * FROM tasks WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at ASC, token ASC`

	var rows []taskRow
	if err := s.db.Select(&rows, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("%w: failed to list tasks: %v", types.ErrTransient, err)
	}

	records := make([]*types.TaskRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].record())
	}
	return records, nil
}

// MarkEnqueued moves an allocated task to enqueued, stamps the owning
// server, and stages the payload envelope on the work queue. The transition
// is a compare-and-swap on the current status.
func (s *Store) MarkEnqueued(token, serverID string, envelope []byte, now time.Time) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(s.rebind(
			`UPDATE tasks SET status = ?, enqueued_at = ?, owner_server_id = ?
			 WHERE token = ? AND status = ?`),
			string(types.TaskStatusEnqueued), epoch(now), serverID,
			token, string(types.TaskStatusAllocated))
		if err != nil {
			return fmt.Errorf("%w: failed to enqueue task: %v", types.ErrTransient, err)
		}
		if err := s.requireCAS(tx, res, token, types.TaskStatusEnqueued); err != nil {
			return err
		}
		if _, err := tx.Exec(s.rebind(
			`INSERT INTO task_payloads (token, envelope, enqueued_at) VALUES (?, ?, ?)`),
			token, envelope, epoch(now)); err != nil {
			return fmt.Errorf("%w: failed to stage payload: %v", types.ErrTransient, err)
		}
		return nil
	})
}

// requireCAS inspects a zero-row conditional update and reports whether the
// row was missing or the status precondition failed.
func (s *Store) requireCAS(tx *sqlx.Tx, res sql.Result, token string, to types.TaskStatus) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	if n > 0 {
		return nil
	}
	var current string
	err = tx.Get(&current, s.rebind(`SELECT status FROM tasks WHERE token = ?`), token)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: task %q", types.ErrNotFound, token)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	return fmt.Errorf("%w: task %q is %s, cannot move to %s", types.ErrConflict, token, current, to)
}

// PendingCount returns the number of staged payloads not yet claimed
func (s *Store) PendingCount() (int, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM task_payloads`); err != nil {
		return 0, fmt.Errorf("%w: failed to count pending payloads: %v", types.ErrTransient, err)
	}
	return count, nil
}

// ClaimNextTask picks the oldest staged payload and atomically moves its
// task from enqueued to running under the claiming server. Returns an empty
// token when the queue is empty. Tasks whose status changed between
// selection and the conditional update are skipped.
func (s *Store) ClaimNextTask(serverID string, now time.Time) (string, []byte, error) {
	var token string
	var envelope []byte

	err := s.inTx(func(tx *sqlx.Tx) error {
		selectQuery := `SELECT token FROM tasks WHERE status = ? ORDER BY enqueued_at ASC, token ASC LIMIT 1`
		if s.driver == types.DriverPostgres {
			selectQuery += ` FOR UPDATE SKIP LOCKED`
		}
		err := tx.Get(&token, s.rebind(selectQuery), string(types.TaskStatusEnqueued))
		if errors.Is(err, sql.ErrNoRows) {
			token = ""
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: failed to select next task: %v", types.ErrTransient, err)
		}

		res, err := tx.Exec(s.rebind(
			`UPDATE tasks SET status = ?, started_at = ?, last_heartbeat_at = ?, owner_server_id = ?
			 WHERE token = ? AND status = ?`),
			string(types.TaskStatusRunning), epoch(now), epoch(now), serverID,
			token, string(types.TaskStatusEnqueued))
		if err != nil {
			return fmt.Errorf("%w: failed to claim task: %v", types.ErrTransient, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrTransient, err)
		}
		if n == 0 {
			// Lost the race; the caller polls again.
			token = ""
			return nil
		}

		if err := tx.Get(&envelope, s.rebind(
			`SELECT envelope FROM task_payloads WHERE token = ?`), token); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				envelope = nil
				return nil
			}
			return fmt.Errorf("%w: failed to load payload: %v", types.ErrTransient, err)
		}
		if _, err := tx.Exec(s.rebind(
			`DELETE FROM task_payloads WHERE token = ?`), token); err != nil {
			return fmt.Errorf("%w: failed to consume payload: %v", types.ErrTransient, err)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return token, envelope, nil
}

// Heartbeat stamps the liveness time of a running task. The update only
// applies to a task running under the calling server; anything else is a
// silent no-op.
func (s *Store) Heartbeat(token, serverID string, now time.Time) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE tasks SET last_heartbeat_at = ?
		 WHERE token = ? AND status = ? AND owner_server_id = ?`),
		epoch(now), token, string(types.TaskStatusRunning), serverID)
	if err != nil {
		return fmt.Errorf("%w: failed to heartbeat: %v", types.ErrTransient, err)
	}
	return nil
}

// RequestCancel sets the cancel flag on a non-terminal task and records the
// requesting actor as a comment. Returns false without change for terminal
// tasks.
func (s *Store) RequestCancel(token, actor string, now time.Time) (bool, error) {
	var changed bool
	err := s.inTx(func(tx *sqlx.Tx) error {
		var current string
		err := tx.Get(&current, s.rebind(`SELECT status FROM tasks WHERE token = ?`), token)
		if err != nil {
			return notFound(err, "task", token)
		}
		if types.TaskStatus(current).Terminal() {
			return nil
		}
		if _, err := tx.Exec(s.rebind(
			`UPDATE tasks SET cancel_requested = ? WHERE token = ?`), true, token); err != nil {
			return fmt.Errorf("%w: failed to set cancel flag: %v", types.ErrTransient, err)
		}
		if err := insertComment(tx, s, token, actor, "SUPERUSER requested cancellation.", now); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// FinishTask moves a task to a terminal status when its current status is
// one of from. The owning server id is cleared, the finish time stamped,
// and any leftover payload removed. An optional system comment is appended
// in the same transaction.
func (s *Store) FinishTask(token string, from []types.TaskStatus, to types.TaskStatus,
	comment, commentActor string, now time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", types.ErrInputMalformed, to)
	}
	return s.inTx(func(tx *sqlx.Tx) error {
		values := make([]string, len(from))
		args := []interface{}{string(to), epoch(now), token}
		for i, st := range from {
			values[i] = string(st)
			args = append(args, string(st))
		}
		res, err := tx.Exec(s.rebind(fmt.Sprintf(
			`UPDATE tasks SET status = ?, finished_at = ?, owner_server_id = ''
			 WHERE token = ? AND status IN (%s)`, placeholders(len(values)))), args...)
		if err != nil {
			return fmt.Errorf("%w: failed to finish task: %v", types.ErrTransient, err)
		}
		if err := s.requireCAS(tx, res, token, to); err != nil {
			return err
		}
		if _, err := tx.Exec(s.rebind(`DELETE FROM task_payloads WHERE token = ?`), token); err != nil {
			return fmt.Errorf("%w: failed to drop payload: %v", types.ErrTransient, err)
		}
		if comment != "" {
			if err := insertComment(tx, s, token, commentActor, comment, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetConsumed marks a terminal task's outcome as observed by its actor
func (s *Store) SetConsumed(token string) error {
	_, err := s.db.Exec(s.rebind(`UPDATE tasks SET consumed = ? WHERE token = ?`), true, token)
	if err != nil {
		return fmt.Errorf("%w: failed to set consumed flag: %v", types.ErrTransient, err)
	}
	return nil
}

func insertComment(tx *sqlx.Tx, s *Store, token, actor, body string, now time.Time) error {
	if _, err := tx.Exec(s.rebind(
		`INSERT INTO task_comments (token, actor, created_at, body) VALUES (?, ?, ?, ?)`),
		token, actor, epoch(now), body); err != nil {
		return fmt.Errorf("%w: failed to insert comment: %v", types.ErrTransient, err)
	}
	return nil
}

// AddTaskComment appends a comment to an existing task
func (s *Store) AddTaskComment(token, actor, body string, now time.Time) error {
	return s.inTx(func(tx *sqlx.Tx) error {
		var exists string
		if err := tx.Get(&exists, s.rebind(`SELECT token FROM tasks WHERE token = ?`), token); err != nil {
			return notFound(err, "task", token)
		}
		return insertComment(tx, s, token, actor, body, now)
	})
}

// DropIncompleteOwnedBy demotes every non-terminal task owned by the given
// server to dropped, with reason recorded as a system comment. Used at
// server startup (records left behind by a crash) and at shutdown.
func (s *Store) DropIncompleteOwnedBy(serverID, reason string, now time.Time) (int, error) {
	incomplete, err := s.ListTasks(types.TaskFilter{
		Statuses: []types.TaskStatus{
			types.TaskStatusAllocated, types.TaskStatusEnqueued, types.TaskStatusRunning,
		},
		OwnerServerIDs: []string{serverID},
	})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range incomplete {
		err := s.FinishTask(rec.Token,
			[]types.TaskStatus{types.TaskStatusAllocated, types.TaskStatusEnqueued, types.TaskStatusRunning},
			types.TaskStatusDropped,
			"DROPPED!\n"+reason, types.SystemActor, now)
		if err != nil {
			if errors.Is(err, types.ErrConflict) || errors.Is(err, types.ErrNotFound) {
				continue
			}
			return count, err
		}
		count++
	}
	return count, nil
}
