// Package store provides the SQLite-backed implementation of rule and action
// persistence.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcpuig/plugsched/core/model"
	corestore "github.com/marcpuig/plugsched/core/store"
)

// SQLiteStore persists rules and scheduled actions in a SQLite database. The
// uniqueness of (rule, date, start) and the conditional status transitions of
// the execution state machine are enforced by the database itself, so several
// processes may share one file safely.
type SQLiteStore struct {
	db  *sql.DB
	loc *time.Location
}

const schema = `
CREATE TABLE IF NOT EXISTS rules (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    max_hours INTEGER NOT NULL,
    min_continuous_hours INTEGER NOT NULL,
    days_of_week INTEGER NOT NULL,
    window_start INTEGER,
    window_end INTEGER,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS actions (
    id TEXT PRIMARY KEY,
    rule_id TEXT NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
    device_id TEXT NOT NULL,
    scheduled_date TEXT NOT NULL,
    start_at INTEGER NOT NULL,
    end_at INTEGER NOT NULL,
    price_per_kwh REAL NOT NULL,
    status TEXT NOT NULL,
    executed_at INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE(rule_id, scheduled_date, start_at)
);
CREATE INDEX IF NOT EXISTS idx_actions_status_start ON actions(status, start_at);
CREATE INDEX IF NOT EXISTS idx_actions_status_end ON actions(status, end_at);
`

// NewSQLiteStore opens or creates the database at path and ensures schema.
// Times are returned in loc.
func NewSQLiteStore(path string, loc *time.Location) (*SQLiteStore, error) {
	// The pragma goes in the DSN so every pooled connection enforces foreign
	// keys, not just the one that happened to run an Exec.
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", path))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return &SQLiteStore{db: db, loc: loc}, nil
}

func (s *SQLiteStore) CreateRule(ctx context.Context, r *model.Rule) error {
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (id, device_id, name, max_hours, min_continuous_hours,
            days_of_week, window_start, window_end, enabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeviceID, r.Name, r.MaxHours, r.MinContinuousHours,
		r.DaysOfWeek, nullableHour(r.WindowStart), nullableHour(r.WindowEnd),
		boolInt(r.Enabled), now.Unix(), now.Unix())
	return err
}

func (s *SQLiteStore) UpdateRule(ctx context.Context, r *model.Rule) error {
	r.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET device_id = ?, name = ?, max_hours = ?,
            min_continuous_hours = ?, days_of_week = ?, window_start = ?,
            window_end = ?, enabled = ?, updated_at = ?
        WHERE id = ?`,
		r.DeviceID, r.Name, r.MaxHours, r.MinContinuousHours, r.DaysOfWeek,
		nullableHour(r.WindowStart), nullableHour(r.WindowEnd),
		boolInt(r.Enabled), r.UpdatedAt.Unix(), r.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM actions WHERE rule_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

const ruleColumns = `id, device_id, name, max_hours, min_continuous_hours,
    days_of_week, window_start, window_end, enabled, created_at, updated_at`

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*model.Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := s.scanRule(row)
	if err == sql.ErrNoRows {
		return nil, corestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]model.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
}

func (s *SQLiteStore) ListEnabledRules(ctx context.Context) ([]model.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE enabled = 1 ORDER BY id`)
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...any) ([]model.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.Rule
	for rows.Next() {
		r, err := s.scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRule(row scanner) (*model.Rule, error) {
	var r model.Rule
	var wStart, wEnd sql.NullInt64
	var enabled int
	var created, updated int64
	if err := row.Scan(&r.ID, &r.DeviceID, &r.Name, &r.MaxHours, &r.MinContinuousHours,
		&r.DaysOfWeek, &wStart, &wEnd, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	r.WindowStart = hourPtr(wStart)
	r.WindowEnd = hourPtr(wEnd)
	r.Enabled = enabled != 0
	r.CreatedAt = time.Unix(created, 0).In(s.loc)
	r.UpdatedAt = time.Unix(updated, 0).In(s.loc)
	return &r, nil
}

func (s *SQLiteStore) InsertAction(ctx context.Context, a *model.ScheduledAction) (bool, error) {
	a.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id, rule_id, device_id, scheduled_date, start_at,
            end_at, price_per_kwh, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(rule_id, scheduled_date, start_at) DO NOTHING`,
		a.ID, a.RuleID, a.DeviceID, model.DateKey(a.Date), a.Start.Unix(),
		a.End.Unix(), a.PricePerKWh, string(a.Status), a.CreatedAt.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const actionColumns = `id, rule_id, device_id, scheduled_date, start_at, end_at,
    price_per_kwh, status, executed_at, created_at`

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := s.scanAction(row)
	if err == sql.ErrNoRows {
		return nil, corestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) ListActions(ctx context.Context, f corestore.ActionFilter) ([]model.ScheduledAction, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE 1=1`
	var args []any
	if f.RuleID != "" {
		query += ` AND rule_id = ?`
		args = append(args, f.RuleID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		query += ` AND scheduled_date >= ?`
		args = append(args, model.DateKey(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND scheduled_date <= ?`
		args = append(args, model.DateKey(f.To))
	}
	query += ` ORDER BY start_at`
	return s.queryActions(ctx, query, args...)
}

func (s *SQLiteStore) DueStarts(ctx context.Context, now time.Time) ([]model.ScheduledAction, error) {
	return s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM actions
        WHERE status = ? AND start_at <= ? ORDER BY start_at`,
		string(model.StatusPending), now.Unix())
}

func (s *SQLiteStore) DueEnds(ctx context.Context, now time.Time) ([]model.ScheduledAction, error) {
	return s.queryActions(ctx,
		`SELECT `+actionColumns+` FROM actions
        WHERE status = ? AND end_at <= ? ORDER BY start_at`,
		string(model.StatusRunning), now.Unix())
}

func (s *SQLiteStore) queryActions(ctx context.Context, query string, args ...any) ([]model.ScheduledAction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []model.ScheduledAction
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *SQLiteStore) scanAction(row scanner) (*model.ScheduledAction, error) {
	var a model.ScheduledAction
	var date string
	var start, end, created int64
	var executed sql.NullInt64
	var status string
	if err := row.Scan(&a.ID, &a.RuleID, &a.DeviceID, &date, &start, &end,
		&a.PricePerKWh, &status, &executed, &created); err != nil {
		return nil, err
	}
	d, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return nil, fmt.Errorf("parse scheduled_date: %w", err)
	}
	a.Date = d
	a.Start = time.Unix(start, 0).In(s.loc)
	a.End = time.Unix(end, 0).In(s.loc)
	a.Status = model.ActionStatus(status)
	a.CreatedAt = time.Unix(created, 0).In(s.loc)
	if executed.Valid {
		t := time.Unix(executed.Int64, 0).In(s.loc)
		a.ExecutedAt = &t
	}
	return &a, nil
}

func (s *SQLiteStore) ClaimAction(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusRunning), id, string(model.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ClaimEnd(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusStopping), id, string(model.StatusRunning))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ReleaseAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = CASE status WHEN ? THEN ? ELSE ? END
        WHERE id = ? AND status IN (?, ?)`,
		string(model.StatusRunning), string(model.StatusPending), string(model.StatusRunning),
		id, string(model.StatusRunning), string(model.StatusStopping))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ?, executed_at = ? WHERE id = ? AND status = ?`,
		string(model.StatusExecuted), at.Unix(), id, string(model.StatusStopping))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ? AND status IN (?, ?, ?)`,
		string(model.StatusFailed), id, string(model.StatusPending),
		string(model.StatusRunning), string(model.StatusStopping))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *SQLiteStore) CancelAction(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET status = ? WHERE id = ? AND status = ?`,
		string(model.StatusCancelled), id, string(model.StatusPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM actions WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return corestore.ErrNotFound
	}
	if err != nil {
		return err
	}
	return corestore.ErrCancelConflict
}

func (s *SQLiteStore) ClearPending(ctx context.Context, ruleID string, date time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE rule_id = ? AND scheduled_date = ? AND status = ?`,
		ruleID, model.DateKey(date), string(model.StatusPending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) CountForDate(ctx context.Context, date time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM actions WHERE scheduled_date = ?`,
		model.DateKey(date)).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return corestore.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableHour(h *int) any {
	if h == nil {
		return nil
	}
	return *h
}

func hourPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	h := int(v.Int64)
	return &h
}

var _ corestore.Store = (*SQLiteStore)(nil)
