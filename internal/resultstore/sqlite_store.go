// Package resultstore provides persistent storage for pipeline runs and
// their result tables using SQLite.
package resultstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/spatx/spatx/internal/dataset"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one pipeline execution.
type Run struct {
	ID         string     `json:"run_id"`
	Name       string     `json:"name"`
	Status     RunStatus  `json:"status"`
	ConfigYAML string     `json:"config_yaml,omitempty"`
	NFeatures  int        `json:"n_features"`
	NObs       int        `json:"n_obs"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store provides persistent storage for runs and result tables using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based result store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		config_yaml TEXT DEFAULT '',
		n_features INTEGER DEFAULT 0,
		n_obs INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);

	CREATE TABLE IF NOT EXISTS result_tables (
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		columns_json TEXT NOT NULL,
		n_rows INTEGER NOT NULL,
		PRIMARY KEY (run_id, table_name),
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS result_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		position INTEGER NOT NULL,
		row_json TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_result_rows_table ON result_rows(run_id, table_name, position);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateRun creates a new run record with status=running.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, name, status, config_yaml, n_features, n_obs, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		run.Name,
		string(run.Status),
		run.ConfigYAML,
		run.NFeatures,
		run.NObs,
		run.Error,
		run.CreatedAt.Format(time.RFC3339),
		nil,
	)
	return err
}

// GetRun retrieves a run by ID. A missing run returns (nil, nil).
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, name, status, config_yaml, n_features, n_obs, error, created_at, finished_at
		FROM runs WHERE run_id = ?
	`, runID)

	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns all runs, newest first.
func (s *Store) ListRuns() ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, name, status, config_yaml, n_features, n_obs, error, created_at, finished_at
		FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus finalizes a run's status; completed and failed runs get
// a finish timestamp.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunDimensions records the post-filter dataset dimensions.
func (s *Store) UpdateRunDimensions(runID string, nFeatures, nObs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET n_features = ?, n_obs = ?
		WHERE run_id = ?
	`, nFeatures, nObs, runID)
	return err
}

// SaveTable persists a result table's rows in a batch transaction. Saving
// the same table twice for a run replaces the old rows.
func (s *Store) SaveTable(runID string, t *dataset.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	columnsJSON, err := json.Marshal(t.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal columns: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM result_rows WHERE run_id = ? AND table_name = ?`, runID, t.Name); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO result_tables (run_id, table_name, columns_json, n_rows)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, table_name) DO UPDATE SET columns_json = excluded.columns_json, n_rows = excluded.n_rows
	`, runID, t.Name, string(columnsJSON), len(t.Rows)); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO result_rows (run_id, table_name, position, row_json)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range t.Rows {
		rowJSON, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", i, err)
		}
		if _, err := stmt.Exec(runID, t.Name, i, string(rowJSON)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// TableInfo describes one stored result table.
type TableInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	NRows   int      `json:"n_rows"`
}

// ListTables returns the tables stored for a run, in name order.
func (s *Store) ListTables(runID string) ([]TableInfo, error) {
	rows, err := s.db.Query(`
		SELECT table_name, columns_json, n_rows
		FROM result_tables WHERE run_id = ?
		ORDER BY table_name ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []TableInfo
	for rows.Next() {
		var info TableInfo
		var columnsJSON string
		if err := rows.Scan(&info.Name, &columnsJSON, &info.NRows); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(columnsJSON), &info.Columns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal columns: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// QueryRows returns a page of a result table in stored order plus the
// table's column names and total row count.
func (s *Store) QueryRows(runID, tableName string, offset, limit int) ([][]any, []string, int, error) {
	var columnsJSON string
	var total int
	err := s.db.QueryRow(`
		SELECT columns_json, n_rows FROM result_tables
		WHERE run_id = ? AND table_name = ?
	`, runID, tableName).Scan(&columnsJSON, &total)
	if err == sql.ErrNoRows {
		return nil, nil, 0, fmt.Errorf("table %q not found for run %s", tableName, runID)
	}
	if err != nil {
		return nil, nil, 0, err
	}

	var columns []string
	if err := json.Unmarshal([]byte(columnsJSON), &columns); err != nil {
		return nil, nil, 0, fmt.Errorf("failed to unmarshal columns: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT row_json FROM result_rows
		WHERE run_id = ? AND table_name = ?
		ORDER BY position ASC
		LIMIT ? OFFSET ?
	`, runID, tableName, limit, offset)
	if err != nil {
		return nil, nil, 0, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		var rowJSON string
		if err := rows.Scan(&rowJSON); err != nil {
			return nil, nil, 0, err
		}
		var row []any
		if err := json.Unmarshal([]byte(rowJSON), &row); err != nil {
			return nil, nil, 0, fmt.Errorf("failed to unmarshal row: %w", err)
		}
		out = append(out, row)
	}
	return out, columns, total, rows.Err()
}

// DeleteRun deletes a run, its table registry and all stored rows.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Delete rows first
	if _, err := s.db.Exec("DELETE FROM result_rows WHERE run_id = ?", runID); err != nil {
		return err
	}
	if _, err := s.db.Exec("DELETE FROM result_tables WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM runs WHERE run_id = ?", runID)
	return err
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var createdAtStr string
	var finishedAtStr sql.NullString

	err := scan(
		&run.ID,
		&run.Name,
		&run.Status,
		&run.ConfigYAML,
		&run.NFeatures,
		&run.NObs,
		&run.Error,
		&createdAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}
