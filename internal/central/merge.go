package central

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pytredb/pytre/internal/model"
)

const failedFolder = "Failed"

// openCentral opens the shared store read-write with the pragmas the merge
// relies on. BEGIN IMMEDIATE transactions guard against the rare case
// where the lease protocol is violated.
func openCentral(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open central store: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return db, nil
}

// decodeBatch parses one batch file: a JSON array whose elements are
// [server_id, user_id, user_name, query, start, duration, nb_rows, params].
// The three nullable slots decode through pointers.
func decodeBatch(data []byte) ([]model.CentralRecord, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}

	recs := make([]model.CentralRecord, 0, len(rows))
	for i, row := range rows {
		if len(row) != 8 {
			return nil, fmt.Errorf("row %d: got %d elements, want 8", i, len(row))
		}

		var (
			serverID, userName, params *string
			rec                        model.CentralRecord
		)
		fields := []struct {
			raw json.RawMessage
			dst any
		}{
			{row[0], &serverID},
			{row[1], &rec.UserID},
			{row[2], &userName},
			{row[3], &rec.Query},
			{row[4], &rec.Start},
			{row[5], &rec.DurationSeconds},
			{row[6], &rec.NbRows},
			{row[7], &params},
		}
		for j, f := range fields {
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				return nil, fmt.Errorf("row %d field %d: %w", i, j, err)
			}
		}
		rec.ServerID = nullable(serverID)
		rec.UserName = nullable(userName)
		rec.Parameters = nullable(params)
		recs = append(recs, rec)
	}
	return recs, nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// batchFile pairs a queue file with its decoded rows.
type batchFile struct {
	path string
	recs []model.CentralRecord
}

// mergeFolder inserts every batch file under drainDir into the central
// store. Files that fail to parse are quarantined under Failed/ with a
// timestamp suffix; they never abort the merge. On insert failure the
// remaining files are moved back to activeDir so a later attempt retries
// them.
func mergeFolder(centralPath, drainDir, activeDir string) error {
	entries, err := os.ReadDir(drainDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read drain folder: %w", err)
	}

	var batches []batchFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(drainDir, e.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read batch %s: %w", e.Name(), err)
		}
		recs, err := decodeBatch(data)
		if err != nil {
			quarantine(path)
			continue
		}
		batches = append(batches, batchFile{path: path, recs: recs})
	}
	if len(batches) == 0 {
		return nil
	}

	db, err := openCentral(centralPath)
	if err != nil {
		return moveBack(batches, activeDir, err)
	}
	defer db.Close()

	if err := migrateCentral(db); err != nil {
		return moveBack(batches, activeDir, err)
	}

	if err := insertBatches(db, batches); err != nil {
		return moveBack(batches, activeDir, err)
	}

	for _, b := range batches {
		os.Remove(b.path)
	}
	return nil
}

func insertBatches(db *sqlx.DB, batches []batchFile) error {
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const q = `INSERT INTO QUERIES_EXEC
		(server_id, user_id, user_name, query, start, duration_seconds, nb_rows, parameters)
		VALUES (:server_id, :user_id, :user_name, :query, :start, :duration_seconds, :nb_rows, :parameters)`

	for _, b := range batches {
		for _, rec := range b.recs {
			if _, err := tx.NamedExec(q, rec); err != nil {
				return fmt.Errorf("insert central row: %w", err)
			}
		}
	}
	return tx.Commit()
}

// quarantine moves an unparseable batch to the Failed folder with a
// timestamp suffix.
func quarantine(path string) {
	dir := filepath.Join(filepath.Dir(filepath.Dir(path)), failedFolder)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	dst := filepath.Join(dir, fmt.Sprintf("%s_%s.json", name, time.Now().Format("20060102150405")))
	os.Rename(path, dst)
}

// moveBack returns unprocessed batches to the active folder so the next
// sync attempt picks them up, then propagates the original error.
func moveBack(batches []batchFile, activeDir string, cause error) error {
	os.MkdirAll(activeDir, 0755)
	for _, b := range batches {
		os.Rename(b.path, filepath.Join(activeDir, filepath.Base(b.path)))
	}
	return cause
}
