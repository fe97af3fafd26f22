package product

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/reporthub/reporthub/pkg/types"
)

type planRow struct {
	ID          int64         `db:"id"`
	Name        string        `db:"name"`
	Description string        `db:"description"`
	DueDate     sql.NullInt64 `db:"due_date"`
	ClosedAt    sql.NullInt64 `db:"closed_at"`
}

func (r *planRow) plan() types.CleanupPlan {
	return types.CleanupPlan{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		DueDate:     fromNullEpoch(r.DueDate),
		ClosedAt:    fromNullEpoch(r.ClosedAt),
	}
}

// ListPlans returns the product's cleanup plans. Closed plans are included
// only when includeClosed is set. Report hashes are loaded per plan.
func (r *ResultStore) ListPlans(includeClosed bool) ([]types.CleanupPlan, error) {
	query := `SELECT * FROM cleanup_plans`
	if !includeClosed {
		query += ` WHERE closed_at IS NULL`
	}
	query += ` ORDER BY name ASC`

	var rows []planRow
	if err := r.db.Select(&rows, query); err != nil {
		return nil, fmt.Errorf("%w: failed to list cleanup plans: %v", types.ErrTransient, err)
	}
	plans := make([]types.CleanupPlan, 0, len(rows))
	for i := range rows {
		p := rows[i].plan()
		hashes, err := r.planHashes(p.ID)
		if err != nil {
			return nil, err
		}
		p.ReportHashes = hashes
		plans = append(plans, p)
	}
	return plans, nil
}

// GetPlan loads one cleanup plan with its report hashes
func (r *ResultStore) GetPlan(id int64) (types.CleanupPlan, error) {
	var row planRow
	err := r.db.Get(&row, r.rebind(`SELECT * FROM cleanup_plans WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CleanupPlan{}, fmt.Errorf("%w: cleanup plan %d", types.ErrNotFound, id)
	}
	if err != nil {
		return types.CleanupPlan{}, fmt.Errorf("%w: failed to load cleanup plan: %v", types.ErrTransient, err)
	}
	p := row.plan()
	hashes, err := r.planHashes(id)
	if err != nil {
		return types.CleanupPlan{}, err
	}
	p.ReportHashes = hashes
	return p, nil
}

// CreatePlan inserts a new open cleanup plan and returns its id
func (r *ResultStore) CreatePlan(name, description string, dueDate *time.Time) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("%w: cleanup plan name must not be empty", types.ErrInputMalformed)
	}
	var id int64
	err := r.inTx(func(tx *sqlx.Tx) error {
		if r.driver == types.DriverPostgres {
			return tx.QueryRow(r.rebind(
				`INSERT INTO cleanup_plans (name, description, due_date) VALUES (?, ?, ?) RETURNING id`),
				name, description, nullEpoch(dueDate)).Scan(&id)
		}
		res, err := tx.Exec(r.rebind(
			`INSERT INTO cleanup_plans (name, description, due_date) VALUES (?, ?, ?)`),
			name, description, nullEpoch(dueDate))
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate") {
			return 0, fmt.Errorf("%w: cleanup plan %q already exists", types.ErrConflict, name)
		}
		return 0, fmt.Errorf("%w: failed to create cleanup plan: %v", types.ErrTransient, err)
	}
	return id, nil
}

// UpdatePlan overwrites a plan's name, description and due date
func (r *ResultStore) UpdatePlan(id int64, name, description string, dueDate *time.Time) error {
	res, err := r.db.Exec(r.rebind(
		`UPDATE cleanup_plans SET name = ?, description = ?, due_date = ? WHERE id = ?`),
		name, description, nullEpoch(dueDate), id)
	if err != nil {
		return fmt.Errorf("%w: failed to update cleanup plan: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cleanup plan %d", types.ErrNotFound, id)
	}
	return nil
}

// ClosePlan marks a plan closed at the given time
func (r *ResultStore) ClosePlan(id int64, now time.Time) error {
	return r.setClosed(id, sql.NullInt64{Int64: epoch(now), Valid: true})
}

// ReopenPlan clears a plan's closed mark
func (r *ResultStore) ReopenPlan(id int64) error {
	return r.setClosed(id, sql.NullInt64{})
}

func (r *ResultStore) setClosed(id int64, closedAt sql.NullInt64) error {
	res, err := r.db.Exec(r.rebind(
		`UPDATE cleanup_plans SET closed_at = ? WHERE id = ?`), closedAt, id)
	if err != nil {
		return fmt.Errorf("%w: failed to update cleanup plan: %v", types.ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: cleanup plan %d", types.ErrNotFound, id)
	}
	return nil
}

// DeletePlan removes a plan and its hash assignments
func (r *ResultStore) DeletePlan(id int64) error {
	return r.inTx(func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(r.rebind(
			`DELETE FROM cleanup_plan_report_hashes WHERE plan_id = ?`), id); err != nil {
			return fmt.Errorf("%w: failed to delete plan hashes: %v", types.ErrTransient, err)
		}
		res, err := tx.Exec(r.rebind(`DELETE FROM cleanup_plans WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("%w: failed to delete cleanup plan: %v", types.ErrTransient, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: cleanup plan %d", types.ErrNotFound, id)
		}
		return nil
	})
}

// SetPlanReports assigns report hashes to a plan. Hashes already assigned
// are left in place.
func (r *ResultStore) SetPlanReports(id int64, hashes []string) error {
	if _, err := r.GetPlan(id); err != nil {
		return err
	}
	return r.inTx(func(tx *sqlx.Tx) error {
		for _, h := range hashes {
			_, err := tx.Exec(r.rebind(
				`DELETE FROM cleanup_plan_report_hashes WHERE plan_id = ? AND report_hash = ?`), id, h)
			if err != nil {
				return fmt.Errorf("%w: failed to assign report hash: %v", types.ErrTransient, err)
			}
			if _, err := tx.Exec(r.rebind(
				`INSERT INTO cleanup_plan_report_hashes (plan_id, report_hash) VALUES (?, ?)`), id, h); err != nil {
				return fmt.Errorf("%w: failed to assign report hash: %v", types.ErrTransient, err)
			}
		}
		return nil
	})
}

// UnsetPlanReports removes report hashes from a plan
func (r *ResultStore) UnsetPlanReports(id int64, hashes []string) error {
	if _, err := r.GetPlan(id); err != nil {
		return err
	}
	return r.inTx(func(tx *sqlx.Tx) error {
		for _, h := range hashes {
			if _, err := tx.Exec(r.rebind(
				`DELETE FROM cleanup_plan_report_hashes WHERE plan_id = ? AND report_hash = ?`), id, h); err != nil {
				return fmt.Errorf("%w: failed to unassign report hash: %v", types.ErrTransient, err)
			}
		}
		return nil
	})
}

func (r *ResultStore) planHashes(id int64) ([]string, error) {
	var hashes []string
	err := r.db.Select(&hashes, r.rebind(
		`SELECT report_hash FROM cleanup_plan_report_hashes WHERE plan_id = ? ORDER BY report_hash ASC`), id)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load plan hashes: %v", types.ErrTransient, err)
	}
	return hashes, nil
}

func epoch(t time.Time) int64 {
	return t.UTC().Unix()
}

func nullEpoch(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: epoch(*t), Valid: true}
}

func fromNullEpoch(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
