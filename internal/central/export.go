package central

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pytredb/pytre/internal/logstore"
)

// Identity names the user and server on whose behalf records are exported.
// The per-user store does not carry them; they come from the application
// context at export time.
type Identity struct {
	ServerID string
	UserID   string
	UserName string
}

// batchFileName builds the export file name: a truncated hash of the user
// id, a sortable timestamp, and a uuid fragment to avoid collisions when
// two exports happen within a second.
func batchFileName(userID string, now time.Time) string {
	sum := md5.Sum([]byte(userID))
	return fmt.Sprintf("%s_%s_%s.json",
		hex.EncodeToString(sum[:])[:16],
		now.Format("20060102150405"),
		uuid.NewString()[:8])
}

// exportBatch writes all unexported rows of the store as one JSON array
// file in the active queue folder, then marks them exported. No rows means
// no file. Returns the number of rows exported.
func exportBatch(ctx context.Context, store *logstore.Store, dir string, ident Identity) (int, error) {
	recs, err := store.Unexported(ctx)
	if err != nil {
		return 0, fmt.Errorf("read unexported: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(recs))
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		var params any
		if r.Parameters.Valid {
			params = r.Parameters.String
		}
		var userName any
		if ident.UserName != "" {
			userName = ident.UserName
		}
		var serverID any
		if ident.ServerID != "" {
			serverID = ident.ServerID
		}
		rows = append(rows, []any{
			serverID, ident.UserID, userName,
			r.Query, r.Start, r.DurationSeconds, r.NbRows, params,
		})
		ids = append(ids, r.ID)
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("encode batch: %w", err)
	}

	folder, err := activeQueueFolder(dir)
	if err != nil {
		return 0, err
	}
	path := filepath.Join(folder, batchFileName(ident.UserID, time.Now()))
	if err := writeAtomic(path, data); err != nil {
		return 0, fmt.Errorf("write batch: %w", err)
	}

	if err := store.MarkExported(ctx, ids); err != nil {
		return 0, fmt.Errorf("mark exported: %w", err)
	}
	return len(rows), nil
}
