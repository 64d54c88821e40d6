// Package central replicates per-user execution logs into a shared central
// store. Writers on different hosts coordinate through files only: batches
// are exported as JSON into queue folders, a rename-based lease serializes
// mergers, and the merge applies forward schema migrations before inserting.
package central

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// tmpMaxAge is how long a leftover temp file may linger before cleanup
// removes it.
const tmpMaxAge = time.Hour

// writeAtomic writes data to path through a sibling temp file. The temp file
// is synced before the rename so a crash never leaves a torn target.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// cleanStaleTemps removes *.tmp files older than tmpMaxAge anywhere under
// root. Walk errors are ignored; cleanup is best effort.
func cleanStaleTemps(root string) {
	cutoff := time.Now().Add(-tmpMaxAge)

	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
		return nil
	})
}
