// Package history records completed checkout runs in a DuckDB file so
// operators can review past results and severity trends per checkout
// file.
package history

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/marcboeker/go-duckdb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/checkout"
)

// Store persists run summaries and per-entry results. One store serves
// the whole server; writes are serialized through database/sql.
type Store struct {
	db     *sql.DB
	dbPath string
}

// RunSummary is one recorded run, without per-entry detail.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	File        string         `json:"file"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Overall     check.Severity `json:"overall"`
	Comparisons int            `json:"comparisons"`
	Fetches     int            `json:"fetches"`
}

// EntryRow is one recorded top-level result within a run.
type EntryRow struct {
	Position int            `json:"position"`
	Identity string         `json:"identity"`
	Severity check.Severity `json:"severity"`
	Reason   string         `json:"reason,omitempty"`
}

// TrendPoint is one run of a checkout file over time.
type TrendPoint struct {
	RunID      string         `json:"run_id"`
	FinishedAt time.Time      `json:"finished_at"`
	Overall    check.Severity `json:"overall"`
}

// Open opens (or creates) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='256MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	db := sql.OpenDB(connector)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      VARCHAR PRIMARY KEY,
			file        VARCHAR NOT NULL,
			started_at  TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			overall     INTEGER NOT NULL,
			comparisons INTEGER NOT NULL,
			fetches     INTEGER NOT NULL,
			snapshot    BLOB
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS run_entries (
			run_id   VARCHAR NOT NULL,
			position INTEGER NOT NULL,
			identity VARCHAR NOT NULL,
			severity INTEGER NOT NULL,
			reason   VARCHAR
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create run_entries table: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path reports where the database lives.
func (s *Store) Path() string { return s.dbPath }

// Record stores one finished report: the summary row, one row per
// top-level entry and a msgpack snapshot of the full report.
func (s *Store) Record(report *checkout.CheckoutReport) error {
	if report == nil {
		return fmt.Errorf("no report")
	}

	snapshot, err := msgpack.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report snapshot: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin history transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (run_id, file, started_at, finished_at, overall, comparisons, fetches, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.RunID, report.File, report.StartedAt, report.FinishedAt,
		int(report.Overall), report.Comparisons, report.Fetches, snapshot,
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", report.RunID, err)
	}

	for i, entry := range report.Entries {
		_, err = tx.Exec(`
			INSERT INTO run_entries (run_id, position, identity, severity, reason)
			VALUES (?, ?, ?, ?, ?)`,
			report.RunID, i, entry.Identity, int(entry.Severity), entry.Result.Reason,
		)
		if err != nil {
			return fmt.Errorf("insert entry %d of run %s: %w", i, report.RunID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", report.RunID, err)
	}
	return nil
}

// RecentRuns lists the most recently finished runs, newest first.
func (s *Store) RecentRuns(limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, file, started_at, finished_at, overall, comparisons, fetches
		FROM runs ORDER BY finished_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var overall int
		if err := rows.Scan(&r.RunID, &r.File, &r.StartedAt, &r.FinishedAt,
			&overall, &r.Comparisons, &r.Fetches); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		r.Overall = check.Severity(overall)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RunEntries lists the recorded top-level results of one run in
// document order.
func (s *Store) RunEntries(runID string) ([]EntryRow, error) {
	rows, err := s.db.Query(`
		SELECT position, identity, severity, reason
		FROM run_entries WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query entries of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		var e EntryRow
		var severity int
		var reason sql.NullString
		if err := rows.Scan(&e.Position, &e.Identity, &severity, &reason); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.Severity = check.Severity(severity)
		e.Reason = reason.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetReport restores the full report of a recorded run from its
// snapshot.
func (s *Store) GetReport(runID string) (*checkout.CheckoutReport, error) {
	var snapshot []byte
	err := s.db.QueryRow(`SELECT snapshot FROM runs WHERE run_id = ?`, runID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}

	var report checkout.CheckoutReport
	if err := msgpack.Unmarshal(snapshot, &report); err != nil {
		return nil, fmt.Errorf("decode snapshot of run %s: %w", runID, err)
	}
	return &report, nil
}

// SeverityTrend lists the overall severities of a checkout file over
// time, oldest first, up to limit runs.
func (s *Store) SeverityTrend(file string, limit int) ([]TrendPoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, finished_at, overall FROM (
			SELECT run_id, finished_at, overall
			FROM runs WHERE file = ?
			ORDER BY finished_at DESC LIMIT ?
		) ORDER BY finished_at ASC`, file, limit)
	if err != nil {
		return nil, fmt.Errorf("query trend of %s: %w", file, err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		var overall int
		if err := rows.Scan(&p.RunID, &p.FinishedAt, &overall); err != nil {
			return nil, fmt.Errorf("scan trend row: %w", err)
		}
		p.Overall = check.Severity(overall)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RunCount reports how many runs the store holds.
func (s *Store) RunCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM runs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}
