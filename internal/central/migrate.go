package central

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// latestSchemaVersion is the schema the merge expects. PRAGMA user_version
// tracks the central store's current version.
const latestSchemaVersion = 2

// migration upgrades the store by exactly one version. DDL and the version
// bump run inside one transaction.
type migration struct {
	to    int
	apply func(tx *sqlx.Tx) error
}

var migrations = []migration{
	// 0 -> 1: create the table when missing and add the server_id column to
	// legacy stores that predate it.
	{to: 1, apply: func(tx *sqlx.Tx) error {
		const create = `CREATE TABLE IF NOT EXISTS QUERIES_EXEC (
			user_id TEXT NOT NULL,
			user_name TEXT,
			query TEXT NOT NULL,
			start TEXT NOT NULL,
			"end" TEXT,
			duration_seconds INTEGER,
			nb_rows INTEGER,
			parameters TEXT
		)`
		if _, err := tx.Exec(create); err != nil {
			return fmt.Errorf("create central table: %w", err)
		}

		if _, err := tx.Exec(`ALTER TABLE QUERIES_EXEC ADD COLUMN server_id TEXT`); err != nil {
			// Legacy stores created between releases may already carry it.
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("add server_id: %w", err)
			}
		}

		indexes := []string{
			`CREATE INDEX IF NOT EXISTS idx_central_server ON QUERIES_EXEC(server_id)`,
			`CREATE INDEX IF NOT EXISTS idx_central_query ON QUERIES_EXEC(query)`,
			`CREATE INDEX IF NOT EXISTS idx_central_start ON QUERIES_EXEC(start DESC)`,
		}
		for _, q := range indexes {
			if _, err := tx.Exec(q); err != nil {
				return fmt.Errorf("create central index: %w", err)
			}
		}
		return nil
	}},

	// 1 -> 2: drop the legacy end column; it was never populated and is
	// redundant with start + duration.
	{to: 2, apply: func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`ALTER TABLE QUERIES_EXEC DROP COLUMN "end"`); err != nil {
			if !strings.Contains(err.Error(), "no such column") {
				return fmt.Errorf("drop end column: %w", err)
			}
		}
		return nil
	}},
}

func schemaVersion(db *sqlx.DB) (int, error) {
	var v int
	if err := db.Get(&v, "PRAGMA user_version"); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// migrateCentral brings the store from its observed version up to the
// latest. Forward only; any failure aborts the whole sync attempt.
func migrateCentral(db *sqlx.DB) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if version >= m.to {
			continue
		}

		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration to v%d: %w", m.to, err)
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d: %w", m.to, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.to)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump user_version to %d: %w", m.to, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration to v%d: %w", m.to, err)
		}
		version = m.to
	}
	return nil
}
