// Package logstore is the local per-user execution log backed by SQLite.
// Every run appends one row; rows are exported to the central log by the
// synchronizer and pruned beyond a bounded retention.
package logstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pytredb/pytre/internal/model"
)

// DefaultRetention is the number of most-recent rows kept after each insert.
const DefaultRetention = 2500

// Store manages the per-user execution log. Single writer per process;
// reads are safe to interleave.
type Store struct {
	db        *sqlx.DB
	retention int
}

// Open creates or opens the log database at path. The parent directory is
// created on demand and the schema is applied idempotently.
func Open(path string) (*Store, error) {
	return OpenWithRetention(path, DefaultRetention)
}

// OpenWithRetention opens the store with a non-default retention bound.
func OpenWithRetention(path string, retention int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	db, err := sqlx.Connect("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open log database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

	if retention <= 0 {
		retention = DefaultRetention
	}

	s := &Store{db: db, retention: retention}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create log schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS QUERIES_EXEC (
			query TEXT NOT NULL,
			start TEXT NOT NULL,
			"end" TEXT,
			duration_seconds INTEGER,
			nb_rows INTEGER,
			parameters TEXT,
			file TEXT,
			exported INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_query ON QUERIES_EXEC(query)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_start ON QUERIES_EXEC(start DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_exported ON QUERIES_EXEC(exported ASC)`,
	}
	for _, q := range statements {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// InsertExec appends one execution record and prunes rows beyond the
// retention bound, oldest first by start. Insert and prune commit in a
// single transaction.
func (s *Store) InsertExec(ctx context.Context, rec model.ExecutionRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertQ = `INSERT INTO QUERIES_EXEC
		(query, start, duration_seconds, nb_rows, parameters, file, exported)
		VALUES (:query, :start, :duration_seconds, :nb_rows, :parameters, :file, 0)`

	if _, err := tx.NamedExecContext(ctx, insertQ, rec); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	const pruneQ = `DELETE FROM QUERIES_EXEC WHERE rowid NOT IN
		(SELECT rowid FROM QUERIES_EXEC ORDER BY start DESC LIMIT ?)`

	if _, err := tx.ExecContext(ctx, pruneQ, s.retention); err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}

	return tx.Commit()
}

// LastFiles returns the output files of the n most recent executions that
// produced one, newest first.
func (s *Store) LastFiles(ctx context.Context, n int) ([]string, error) {
	var files []string
	const q = `SELECT file FROM QUERIES_EXEC
		WHERE file IS NOT NULL AND file <> ''
		ORDER BY start DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &files, q, n); err != nil {
		return nil, fmt.Errorf("last files: %w", err)
	}
	return files, nil
}

// Stats aggregates run counts and duration bounds for one query name.
type Stats struct {
	NbRun   int64          `db:"nb_run"`
	MinRun  sql.NullInt64  `db:"min_run"`
	MaxRun  sql.NullInt64  `db:"max_run"`
	LastRun sql.NullString `db:"last_run"`
}

// QueryStats returns aggregate statistics for the named query.
func (s *Store) QueryStats(ctx context.Context, query string) (Stats, error) {
	var st Stats
	const q = `SELECT COUNT(*) AS nb_run,
		MIN(duration_seconds) AS min_run,
		MAX(duration_seconds) AS max_run,
		MAX(start) AS last_run
		FROM QUERIES_EXEC WHERE query = ?`
	if err := s.db.GetContext(ctx, &st, q, query); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	return st, nil
}

// LastRecords returns the n most recent records for the named query,
// newest first.
func (s *Store) LastRecords(ctx context.Context, query string, n int) ([]model.ExecutionRecord, error) {
	var recs []model.ExecutionRecord
	const q = `SELECT rowid, query, start, "end", duration_seconds, nb_rows, parameters, file, exported
		FROM QUERIES_EXEC WHERE query = ? ORDER BY start DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &recs, q, query, n); err != nil {
		return nil, fmt.Errorf("last records: %w", err)
	}
	return recs, nil
}

// LastExecutions returns the n most recent records across all queries,
// newest first.
func (s *Store) LastExecutions(ctx context.Context, n int) ([]model.ExecutionRecord, error) {
	var recs []model.ExecutionRecord
	const q = `SELECT rowid, query, start, "end", duration_seconds, nb_rows, parameters, file, exported
		FROM QUERIES_EXEC ORDER BY start DESC LIMIT ?`
	if err := s.db.SelectContext(ctx, &recs, q, n); err != nil {
		return nil, fmt.Errorf("last executions: %w", err)
	}
	return recs, nil
}

// Unexported returns every record not yet replicated to the central log,
// oldest first so export order follows execution order.
func (s *Store) Unexported(ctx context.Context) ([]model.ExecutionRecord, error) {
	var recs []model.ExecutionRecord
	const q = `SELECT rowid, query, start, "end", duration_seconds, nb_rows, parameters, file, exported
		FROM QUERIES_EXEC WHERE exported = 0 ORDER BY start ASC`
	if err := s.db.SelectContext(ctx, &recs, q); err != nil {
		return nil, fmt.Errorf("unexported records: %w", err)
	}
	return recs, nil
}

// MarkExported flags the given rowids as replicated. All updates commit in
// a single transaction.
func (s *Store) MarkExported(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "UPDATE QUERIES_EXEC SET exported = 1 WHERE rowid = ?", id); err != nil {
			return fmt.Errorf("mark exported %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// Count returns the total number of rows in the store.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM QUERIES_EXEC"); err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return n, nil
}
