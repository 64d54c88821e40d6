package central

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	queueControlFile = "Pytre_Queue.json"
	queueFolderA     = "Pytre_Queue_1"
	queueFolderB     = "Pytre_Queue_2"

	// Folder-completion wait parameters: poll sizes until unchanged.
	stablePollEvery = 5 * time.Second
	stableAfter     = 15 * time.Second
	stableMaxWait   = 60 * time.Second
)

// queueControl is the JSON body of Pytre_Queue.json. It selects which of
// the two queue folders receives new exports.
type queueControl struct {
	ActiveFolderIndex int    `json:"active_folder_index"`
	ActiveFolderName  string `json:"active_folder_name"`
	Updated           string `json:"updated"`
}

func queueFolderName(index int) string {
	if index%2 == 0 {
		return queueFolderB
	}
	return queueFolderA
}

// readQueueControl loads the control file, initializing it on first use.
func readQueueControl(dir string) (queueControl, error) {
	path := filepath.Join(dir, queueControlFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		qc := queueControl{
			ActiveFolderIndex: 1,
			ActiveFolderName:  queueFolderName(1),
			Updated:           time.Now().Format(time.RFC3339),
		}
		if err := writeQueueControl(dir, qc); err != nil {
			return queueControl{}, err
		}
		return qc, nil
	}
	if err != nil {
		return queueControl{}, fmt.Errorf("read queue control: %w", err)
	}

	var qc queueControl
	if err := json.Unmarshal(data, &qc); err != nil {
		return queueControl{}, fmt.Errorf("decode queue control: %w", err)
	}
	return qc, nil
}

func writeQueueControl(dir string, qc queueControl) error {
	data, err := json.MarshalIndent(qc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode queue control: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, queueControlFile), data); err != nil {
		return fmt.Errorf("write queue control: %w", err)
	}
	return nil
}

// activeQueueFolder returns the folder new exports go to, creating it on
// demand.
func activeQueueFolder(dir string) (string, error) {
	qc, err := readQueueControl(dir)
	if err != nil {
		return "", err
	}
	folder := filepath.Join(dir, qc.ActiveFolderName)
	if err := os.MkdirAll(folder, 0755); err != nil {
		return "", fmt.Errorf("create queue folder: %w", err)
	}
	return folder, nil
}

// swapActiveFolder points future exports at the other queue folder and
// returns the folder to drain.
func swapActiveFolder(dir string) (string, error) {
	qc, err := readQueueControl(dir)
	if err != nil {
		return "", err
	}
	drain := filepath.Join(dir, qc.ActiveFolderName)

	qc.ActiveFolderIndex++
	qc.ActiveFolderName = queueFolderName(qc.ActiveFolderIndex)
	qc.Updated = time.Now().Format(time.RFC3339)
	if err := writeQueueControl(dir, qc); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, qc.ActiveFolderName), 0755); err != nil {
		return "", fmt.Errorf("create queue folder: %w", err)
	}
	return drain, nil
}

// folderSizes snapshots the name to size mapping of regular files in dir.
func folderSizes(dir string) (map[string]int64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue folder: %w", err)
	}

	sizes := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sizes[e.Name()] = info.Size()
	}
	return sizes, nil
}

func sizesEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for name, size := range a {
		if b[name] != size {
			return false
		}
	}
	return true
}

// waitFolderStable polls folder sizes until the snapshot stays unchanged
// for stableAfter, giving up after maxWait. On timeout it returns normally;
// the merge proceeds with whatever is there.
func waitFolderStable(dir string, pollEvery, stableFor, maxWait time.Duration) {
	deadline := time.Now().Add(maxWait)

	last, err := folderSizes(dir)
	if err != nil {
		return
	}
	stableSince := time.Now()

	for time.Now().Before(deadline) {
		if time.Since(stableSince) >= stableFor {
			return
		}
		time.Sleep(pollEvery)

		cur, err := folderSizes(dir)
		if err != nil {
			return
		}
		if !sizesEqual(last, cur) {
			last = cur
			stableSince = time.Now()
		}
	}
}
