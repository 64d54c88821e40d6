package model

import "database/sql"

// ExecutionRecord is one row of the per-user execution log.
type ExecutionRecord struct {
	ID              int64          `db:"rowid"`
	Query           string         `db:"query"`
	Start           string         `db:"start"` // ISO 8601
	End             sql.NullString `db:"end"`   // legacy, never populated
	DurationSeconds int64          `db:"duration_seconds"`
	NbRows          int64          `db:"nb_rows"`
	Parameters      sql.NullString `db:"parameters"`
	File            string         `db:"file"`
	Exported        int            `db:"exported"`
}

// CentralRecord is one row of the shared central log store.
type CentralRecord struct {
	ServerID        sql.NullString `db:"server_id"`
	UserID          string         `db:"user_id"`
	UserName        sql.NullString `db:"user_name"`
	Query           string         `db:"query"`
	Start           string         `db:"start"`
	DurationSeconds int64          `db:"duration_seconds"`
	NbRows          int64          `db:"nb_rows"`
	Parameters      sql.NullString `db:"parameters"`
}
