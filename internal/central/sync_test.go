package central

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pytredb/pytre/internal/logstore"
	"github.com/pytredb/pytre/internal/model"
)

func testSyncer(t *testing.T, dir string, store *logstore.Store) *Syncer {
	t.Helper()
	return &Syncer{
		Store:     store,
		Dir:       dir,
		Ident:     Identity{ServerID: "prod", UserID: "u-123", UserName: "Alice"},
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
		PollEvery: 5 * time.Millisecond,
		StableFor: 10 * time.Millisecond,
		MaxWait:   100 * time.Millisecond,
	}
}

func seedStore(t *testing.T, dir string, n int) *logstore.Store {
	t.Helper()
	store, err := logstore.Open(filepath.Join(dir, "user.db"))
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		rec := model.ExecutionRecord{
			Query:           "ventes",
			Start:           base.Add(time.Duration(i) * time.Minute).Format("2006-01-02T15:04:05"),
			DurationSeconds: 2,
			NbRows:          10,
			Parameters:      sql.NullString{String: `{"@d":"2024-12-31"}`, Valid: true},
		}
		if err := store.InsertExec(context.Background(), rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	return store
}

func centralColumns(t *testing.T, path string) []string {
	t.Helper()
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		t.Fatalf("open central: %v", err)
	}
	defer db.Close()

	rows, err := db.Queryx("PRAGMA table_info(QUERIES_EXEC)")
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			t.Fatalf("scan table_info: %v", err)
		}
		cols = append(cols, name)
	}
	return cols
}

func centralCount(t *testing.T, path string) int {
	t.Helper()
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		t.Fatalf("open central: %v", err)
	}
	defer db.Close()

	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM QUERIES_EXEC"); err != nil {
		t.Fatalf("count central: %v", err)
	}
	return n
}

func TestSyncOnceFreshStore(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 3)
	s := testSyncer(t, logsDir, store)

	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	centralPath := filepath.Join(logsDir, CentralStoreName)
	if n := centralCount(t, centralPath); n != 3 {
		t.Errorf("central rows = %d, want 3", n)
	}

	pending, err := store.Unexported(context.Background())
	if err != nil {
		t.Fatalf("Unexported: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("%d rows still unexported", len(pending))
	}

	// Lease back to steady state.
	if _, err := os.Stat(filepath.Join(logsDir, unlockedFile)); err != nil {
		t.Error("unlocked lease file missing after sync")
	}
	if _, err := os.Stat(filepath.Join(logsDir, lockedFile)); !os.IsNotExist(err) {
		t.Error("locked lease file left behind")
	}
}

func TestSyncExactlyOnce(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 4)
	s := testSyncer(t, logsDir, store)

	ctx := context.Background()
	if err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("first SyncOnce: %v", err)
	}
	if err := s.SyncOnce(ctx); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}

	centralPath := filepath.Join(logsDir, CentralStoreName)
	if n := centralCount(t, centralPath); n != 4 {
		t.Errorf("central rows after double sync = %d, want 4", n)
	}

	// Both queue folders drained.
	for _, folder := range []string{queueFolderA, queueFolderB} {
		entries, _ := os.ReadDir(filepath.Join(logsDir, folder))
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".json") {
				t.Errorf("batch file left in %s: %s", folder, e.Name())
			}
		}
	}
}

func TestSyncMigratesLegacyStore(t *testing.T) {
	logsDir := t.TempDir()
	centralPath := filepath.Join(logsDir, CentralStoreName)

	// A v0 store: legacy table with an end column and no server_id.
	db, err := sqlx.Connect("sqlite", centralPath)
	if err != nil {
		t.Fatalf("create legacy store: %v", err)
	}
	db.MustExec(`CREATE TABLE QUERIES_EXEC (
		user_id TEXT NOT NULL,
		user_name TEXT,
		query TEXT NOT NULL,
		start TEXT NOT NULL,
		"end" TEXT,
		duration_seconds INTEGER,
		nb_rows INTEGER,
		parameters TEXT
	)`)
	db.MustExec(`INSERT INTO QUERIES_EXEC
		(user_id, user_name, query, start, "end", duration_seconds, nb_rows, parameters)
		VALUES ('legacy-user', 'Old User', 'old_query', '2023-01-01T00:00:00', NULL, 1, 5, NULL)`)
	db.Close()

	store := seedStore(t, t.TempDir(), 2)
	s := testSyncer(t, logsDir, store)

	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	db, err = sqlx.Connect("sqlite", centralPath)
	if err != nil {
		t.Fatalf("reopen central: %v", err)
	}
	defer db.Close()

	var version int
	if err := db.Get(&version, "PRAGMA user_version"); err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if version != latestSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, latestSchemaVersion)
	}

	cols := centralColumns(t, centralPath)
	hasServer, hasEnd := false, false
	for _, c := range cols {
		if c == "server_id" {
			hasServer = true
		}
		if c == "end" {
			hasEnd = true
		}
	}
	if !hasServer {
		t.Error("server_id column missing after migration")
	}
	if hasEnd {
		t.Error("legacy end column still present after migration")
	}

	// Legacy row preserved with a null server_id, new rows carry theirs.
	var legacy model.CentralRecord
	err = db.Get(&legacy,
		`SELECT server_id, user_id, user_name, query, start, duration_seconds, nb_rows, parameters
		 FROM QUERIES_EXEC WHERE user_id = 'legacy-user'`)
	if err != nil {
		t.Fatalf("read legacy row: %v", err)
	}
	if legacy.ServerID.Valid || legacy.Query != "old_query" {
		t.Errorf("legacy row = %+v", legacy)
	}

	var n int
	db.Get(&n, "SELECT COUNT(*) FROM QUERIES_EXEC WHERE server_id = 'prod'")
	if n != 2 {
		t.Errorf("migrated store holds %d new rows, want 2", n)
	}
}

func TestSyncYieldsOnLeaseConflict(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 1)

	holder := NewLease(logsDir, "other")
	if err := holder.Acquire(); err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	defer holder.Release()

	s := testSyncer(t, logsDir, store)
	err := s.SyncOnce(context.Background())
	if err != ErrLeaseConflict {
		t.Fatalf("SyncOnce = %v, want ErrLeaseConflict", err)
	}

	// The export still happened; rows wait in the active folder.
	pending, _ := store.Unexported(context.Background())
	if len(pending) != 0 {
		t.Errorf("%d rows unexported, export phase should run before the lease", len(pending))
	}
}

func TestSyncRetriesTransientFailure(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 2)
	s := testSyncer(t, logsDir, store)
	s.RetryDelays = []time.Duration{200 * time.Millisecond, 200 * time.Millisecond}

	// Occupy the central store path so the merge phase fails, then clear
	// the obstacle before the first retry fires.
	obstacle := filepath.Join(logsDir, CentralStoreName)
	if err := os.Mkdir(obstacle, 0755); err != nil {
		t.Fatal(err)
	}
	time.AfterFunc(50*time.Millisecond, func() { os.Remove(obstacle) })

	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n := centralCount(t, filepath.Join(logsDir, CentralStoreName)); n != 2 {
		t.Errorf("central rows after retry = %d, want 2", n)
	}
}

func TestSyncRetriesExhausted(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 1)
	s := testSyncer(t, logsDir, store)
	s.RetryDelays = []time.Duration{time.Millisecond, time.Millisecond}

	if err := os.Mkdir(filepath.Join(logsDir, CentralStoreName), 0755); err != nil {
		t.Fatal(err)
	}

	err := s.Sync()
	if err == nil || !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("Sync = %v, want retries exhausted", err)
	}
}

func TestSyncerLifecycle(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 2)
	s := testSyncer(t, logsDir, store)

	// A temp file left by a crashed writer, old enough for the sweep.
	stale := filepath.Join(logsDir, "orphan.json.tmp")
	if err := os.WriteFile(stale, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(stale, old, old)

	s.Start()
	s.Trigger()
	s.Stop()

	if n := centralCount(t, filepath.Join(logsDir, CentralStoreName)); n != 2 {
		t.Errorf("central rows after lifecycle = %d, want 2", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file survived the startup sweep")
	}
}

func TestMergeQuarantinesBadBatch(t *testing.T) {
	logsDir := t.TempDir()
	store := seedStore(t, t.TempDir(), 1)
	s := testSyncer(t, logsDir, store)

	// Drop a corrupt batch next to the real one.
	folder, err := activeQueueFolder(logsDir)
	if err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(folder, "deadbeef_20240101000000_abc.json")
	os.WriteFile(bad, []byte("{not json"), 0644)

	if err := s.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	failed, err := os.ReadDir(filepath.Join(logsDir, failedFolder))
	if err != nil || len(failed) != 1 {
		t.Fatalf("Failed folder entries = %v (err %v), want 1", failed, err)
	}
	if !strings.HasPrefix(failed[0].Name(), "deadbeef_20240101000000_abc_") {
		t.Errorf("quarantined name = %s", failed[0].Name())
	}

	if n := centralCount(t, filepath.Join(logsDir, CentralStoreName)); n != 1 {
		t.Errorf("central rows = %d, want 1", n)
	}
}
