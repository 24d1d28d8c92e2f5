package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/seantiz/contend/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    bit_offset   INTEGER NOT NULL,
    domain       TEXT NOT NULL,
    status       TEXT NOT NULL,
    malicious_x  INTEGER,
    bit          INTEGER,
    selected_mib INTEGER,
    error        TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    finished_at  DATETIME
)`

const createWorkloadsTable = `
CREATE TABLE IF NOT EXISTS workloads (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    role        TEXT NOT NULL,
    status      TEXT NOT NULL,
    generator   TEXT NOT NULL,
    domain      TEXT NOT NULL,
    pid         INTEGER NOT NULL DEFAULT 0,
    size_mib    INTEGER NOT NULL,
    timeout_s   INTEGER,
    exit_code   INTEGER,
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createWorkloadsRunIndex = `
CREATE INDEX IF NOT EXISTS idx_workloads_run_id ON workloads (run_id)`

const createLogLinesTable = `
CREATE TABLE IF NOT EXISTS log_lines (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    workload_id TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    line        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createLogLinesIndex = `
CREATE INDEX IF NOT EXISTS idx_log_lines_workload ON log_lines (workload_id, seq)`

const workloadColumns = `id, run_id, role, status, generator, domain, pid,
	size_mib, timeout_s, exit_code, error, created_at, started_at, finished_at`

const runColumns = `id, bit_offset, domain, status, malicious_x, bit, selected_mib,
	error, created_at, finished_at`

// ErrNotFound is returned when a run or workload is not found.
var ErrNotFound = errors.New("not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	for _, stmt := range []string{
		createRunsTable,
		createWorkloadsTable,
		createWorkloadsRunIndex,
		createLogLinesTable,
		createLogLinesIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// dsn applies the pragmas to every pooled connection. The engine writes
// from reapers, log writers and the run loop at once, so each connection
// needs its own busy handler and transactions take the write lock up front.
func dsn(dbPath string) string {
	v := url.Values{}
	v.Add("_pragma", "busy_timeout(5000)")
	v.Add("_pragma", "journal_mode(WAL)")
	v.Set("_txlock", "immediate")
	return "file:" + dbPath + "?" + v.Encode()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Offset, r.Domain, r.Status, r.MaliciousX, r.Bit, r.SelectedMiB,
		r.Error, r.CreatedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a page of runs ordered by created_at DESC, along with the
// total count.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, total, nil
}

// UpdateRun writes every mutable run field after validating the status
// transition. Terminal statuses set finished_at when it is not given.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if current != r.Status && !model.ValidRunTransition(current, r.Status) {
		return fmt.Errorf("run %s: %s -> %s: %w", r.ID, current, r.Status, ErrInvalidTransition)
	}

	if model.IsRunTerminal(r.Status) && r.FinishedAt == nil {
		now := time.Now().UTC()
		r.FinishedAt = &now
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, malicious_x = ?, bit = ?, selected_mib = ?,
			error = ?, finished_at = ? WHERE id = ?`,
		r.Status, r.MaliciousX, r.Bit, r.SelectedMiB, r.Error, r.FinishedAt, r.ID,
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run update: %w", err)
	}
	return nil
}

// CreateWorkload inserts a new workload record.
func (s *SQLiteStore) CreateWorkload(ctx context.Context, w *model.Workload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workloads (`+workloadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RunID, w.Role, w.Status, w.Generator, w.Domain, w.PID,
		w.SizeMiB, w.TimeoutS, w.ExitCode, w.Error, w.CreatedAt, w.StartedAt, w.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workload: %w", err)
	}
	return nil
}

// GetWorkload retrieves a workload by ID.
func (s *SQLiteStore) GetWorkload(ctx context.Context, id string) (*model.Workload, error) {
	w, err := scanWorkload(s.db.QueryRowContext(ctx,
		`SELECT `+workloadColumns+` FROM workloads WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workload: %w", err)
	}
	return w, nil
}

// ListWorkloads returns a paginated list of workloads ordered by created_at DESC,
// along with the total count. A non-empty runID restricts both to that run.
func (s *SQLiteStore) ListWorkloads(ctx context.Context, runID string, limit, offset int) ([]*model.Workload, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where, args := "", []any{}
	if runID != "" {
		where, args = " WHERE run_id = ?", []any{runID}
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM workloads"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workloads: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+workloadColumns+` FROM workloads`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list workloads: %w", err)
	}
	defer rows.Close()

	var workloads []*model.Workload
	for rows.Next() {
		w, err := scanWorkload(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workload: %w", err)
		}
		workloads = append(workloads, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate workloads: %w", err)
	}

	return workloads, total, nil
}

// UpdateWorkloadStatus moves a workload to status after validating the
// transition. Running sets started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateWorkloadStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM workloads WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get workload status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("workload %s: %s -> %s: %w", id, current, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE workloads SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE workloads SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE workloads SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update workload status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

// UpdateWorkload writes every mutable workload field after validating the
// status transition. An unchanged status is allowed.
func (s *SQLiteStore) UpdateWorkload(ctx context.Context, w *model.Workload) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM workloads WHERE id = ?", w.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get workload status: %w", err)
	}
	if current != w.Status && !model.ValidTransition(current, w.Status) {
		return fmt.Errorf("workload %s: %s -> %s: %w", w.ID, current, w.Status, ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE workloads SET status = ?, pid = ?, exit_code = ?, error = ?,
			started_at = ?, finished_at = ? WHERE id = ?`,
		w.Status, w.PID, w.ExitCode, w.Error, w.StartedAt, w.FinishedAt, w.ID,
	); err != nil {
		return fmt.Errorf("update workload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workload update: %w", err)
	}
	return nil
}

// GetWorkloadStats aggregates workload and run counts.
func (s *SQLiteStore) GetWorkloadStats(ctx context.Context) (*WorkloadStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &WorkloadStats{}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(size_mib) FROM workloads",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count workloads: %w", err)
	}
	if avg.Valid {
		stats.AvgSizeMiB = avg.Float64
	}

	groups := []struct {
		query string
		dst   *map[string]int
	}{
		{"SELECT status, COUNT(*) FROM workloads GROUP BY status", &stats.CountByStatus},
		{"SELECT role, COUNT(*) FROM workloads GROUP BY role", &stats.CountByRole},
		{"SELECT generator, COUNT(*) FROM workloads GROUP BY generator", &stats.CountByGenerator},
		{"SELECT status, COUNT(*) FROM runs GROUP BY status", &stats.RunsByStatus},
	}
	for _, g := range groups {
		m, err := countBy(ctx, tx, g.query)
		if err != nil {
			return nil, err
		}
		*g.dst = m
	}

	return stats, nil
}

func countBy(ctx context.Context, tx *sql.Tx, query string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("group counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan group count: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

// InsertLogLine persists one line of generator output.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, workloadID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (workload_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		workloadID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns a workload's output ordered by seq. It returns an
// empty, non-nil slice when there is none.
func (s *SQLiteStore) GetLogLines(ctx context.Context, workloadID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, workload_id, seq, line, created_at FROM log_lines WHERE workload_id = ? ORDER BY seq ASC",
		workloadID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.WorkloadID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorkload(sc scanner) (*model.Workload, error) {
	w := &model.Workload{}
	err := sc.Scan(
		&w.ID, &w.RunID, &w.Role, &w.Status, &w.Generator, &w.Domain, &w.PID,
		&w.SizeMiB, &w.TimeoutS, &w.ExitCode, &w.Error, &w.CreatedAt, &w.StartedAt, &w.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func scanRun(sc scanner) (*model.Run, error) {
	r := &model.Run{}
	err := sc.Scan(
		&r.ID, &r.Offset, &r.Domain, &r.Status, &r.MaliciousX, &r.Bit, &r.SelectedMiB,
		&r.Error, &r.CreatedAt, &r.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}
