package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository persists sessions and employees in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, employee_id, day, entry_time, exit_time, last_seen, last_action, status`

// Migrate creates the schema when missing. The partial unique index enforces
// the at-most-one-open-session-per-identity invariant at the storage layer.
func (r *Repository) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS employees (
		id            TEXT PRIMARY KEY,
		name          TEXT UNIQUE NOT NULL,
		department    TEXT NOT NULL DEFAULT '',
		snapshot_path TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS attendance_sessions (
		id          TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
		day         DATE NOT NULL,
		entry_time  TIMESTAMPTZ NOT NULL,
		exit_time   TIMESTAMPTZ,
		last_seen   TIMESTAMPTZ NOT NULL,
		last_action TEXT NOT NULL DEFAULT 'unknown',
		status      TEXT NOT NULL DEFAULT 'inside'
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open
		ON attendance_sessions (employee_id) WHERE status = 'inside';
	CREATE INDEX IF NOT EXISTS idx_sessions_day ON attendance_sessions (day);
	CREATE INDEX IF NOT EXISTS idx_sessions_entry ON attendance_sessions (entry_time);
	`
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// LoadOpen returns the employee's open session regardless of day; the
// reconciler decides how to treat stale ones.
func (r *Repository) LoadOpen(ctx context.Context, identity string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE employee_id = $1 AND status = 'inside'
	`, identity)
	var s Session
	if err := scanSession(row, &s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Apply writes a transition atomically: close the previous session (if any),
// then insert or refresh the open one.
func (r *Repository) Apply(ctx context.Context, tr Transition) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if tr.Closed != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE attendance_sessions
			SET exit_time = $2, status = 'exited'
			WHERE id = $1 AND status = 'inside'
		`, tr.Closed.ID, tr.Closed.ExitTime); err != nil {
			return err
		}
	}

	if tr.Open != nil {
		if tr.Open.ID == "" {
			tr.Open.ID = uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attendance_sessions (`+sessionColumns+`)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`, tr.Open.ID, tr.Open.Identity, tr.Open.Day, tr.Open.EntryTime, tr.Open.ExitTime,
				tr.Open.LastSeen, tr.Open.LastAction, tr.Open.Status); err != nil {
				return err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE attendance_sessions
				SET last_seen = $2, last_action = $3
				WHERE id = $1 AND status = 'inside'
			`, tr.Open.ID, tr.Open.LastSeen, tr.Open.LastAction); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// ListOpenBefore returns open sessions whose last_seen is at or before cutoff.
func (r *Repository) ListOpenBefore(ctx context.Context, cutoff time.Time) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE status = 'inside' AND last_seen <= $1
		ORDER BY last_seen
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// Close marks a session exited.
func (r *Repository) Close(ctx context.Context, id string, exit time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET exit_time = $2, status = 'exited'
		WHERE id = $1 AND status = 'inside'
	`, id, exit)
	return err
}

// Record joins a session with its employee for display.
type Record struct {
	Session
	EmployeeName string `json:"employee_name"`
	Department   string `json:"department"`
}

// ListCurrent returns everyone inside for the given day.
func (r *Repository) ListCurrent(ctx context.Context, day time.Time) ([]Record, error) {
	return r.queryRecords(ctx, `
		WHERE s.status = 'inside' AND s.day = $1
		ORDER BY s.entry_time
	`, day)
}

// ListByDay returns all sessions for the given day.
func (r *Repository) ListByDay(ctx context.Context, day time.Time) ([]Record, error) {
	return r.queryRecords(ctx, `
		WHERE s.day = $1
		ORDER BY s.entry_time
	`, day)
}

// ListRecent returns the latest sessions across all days.
func (r *Repository) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 200 {
		limit = 10
	}
	return r.queryRecords(ctx, `
		ORDER BY s.entry_time DESC
		LIMIT $1
	`, limit)
}

func (r *Repository) queryRecords(ctx context.Context, tail string, args ...any) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.employee_id, s.day, s.entry_time, s.exit_time, s.last_seen, s.last_action, s.status,
		       e.name, e.department
		FROM attendance_sessions s
		JOIN employees e ON e.id = s.employee_id
	`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Identity, &rec.Day, &rec.EntryTime, &rec.ExitTime,
			&rec.LastSeen, &rec.LastAction, &rec.Status, &rec.EmployeeName, &rec.Department); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// Stats summarizes the dashboard header numbers for one day.
type Stats struct {
	TotalEmployees  int `json:"total_employees"`
	CurrentlyInside int `json:"currently_inside"`
	TodayEntries    int `json:"today_entries"`
}

// DashboardStats computes the day's headline counts.
func (r *Repository) DashboardStats(ctx context.Context, day time.Time) (Stats, error) {
	var st Stats
	row := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM employees),
			(SELECT COUNT(*) FROM attendance_sessions WHERE status = 'inside' AND day = $1),
			(SELECT COUNT(*) FROM attendance_sessions WHERE day = $1)
	`, day)
	if err := row.Scan(&st.TotalEmployees, &st.CurrentlyInside, &st.TodayEntries); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// WorkDuration sums the closed session lengths for one employee on one day.
func (r *Repository) WorkDuration(ctx context.Context, identity string, day time.Time) (time.Duration, error) {
	var seconds sql.NullFloat64
	row := r.db.QueryRowContext(ctx, `
		SELECT SUM(EXTRACT(EPOCH FROM (exit_time - entry_time)))
		FROM attendance_sessions
		WHERE employee_id = $1 AND day = $2 AND exit_time IS NOT NULL
	`, identity, day)
	if err := row.Scan(&seconds); err != nil {
		return 0, err
	}
	return time.Duration(seconds.Float64 * float64(time.Second)), nil
}

// FormatDuration renders a duration the way the reports expect, e.g. "7h 25m".
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}

// Employee represents a registered employee.
type Employee struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Department   string    `json:"department"`
	SnapshotPath string    `json:"snapshot_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateEmployee inserts a new employee.
func (r *Repository) CreateEmployee(ctx context.Context, e *Employee) error {
	if e.Name == "" {
		return errors.New("employee name required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO employees (id, name, department, snapshot_path)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at
	`, e.ID, e.Name, e.Department, e.SnapshotPath)
	return row.Scan(&e.CreatedAt)
}

// ListEmployees returns all employees.
func (r *Repository) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, department, snapshot_path, created_at
		FROM employees
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.Name, &e.Department, &e.SnapshotPath, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetEmployee returns a single employee by id, nil when absent.
func (r *Repository) GetEmployee(ctx context.Context, id string) (*Employee, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, department, snapshot_path, created_at
		FROM employees WHERE id = $1
	`, id)
	var e Employee
	if err := row.Scan(&e.ID, &e.Name, &e.Department, &e.SnapshotPath, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// DeleteEmployee removes an employee and, via cascade, their sessions.
func (r *Repository) DeleteEmployee(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM employees WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner, s *Session) error {
	return row.Scan(&s.ID, &s.Identity, &s.Day, &s.EntryTime, &s.ExitTime,
		&s.LastSeen, &s.LastAction, &s.Status)
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()
	var res []Session
	for rows.Next() {
		var s Session
		if err := scanSession(rows, &s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
