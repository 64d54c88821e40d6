package central

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	unlockedFile = "Pytre_Unlocked.json"
	lockedFile   = "Pytre_Locked.json"

	// DefaultLockTimeout is the heartbeat age beyond which a lock is stale.
	DefaultLockTimeout = 120 * time.Second

	// DefaultHeartbeatEvery is how often a held lease refreshes its
	// heartbeat.
	DefaultHeartbeatEvery = 90 * time.Second
)

// ErrLeaseConflict reports that another process holds a fresh lease. The
// current sync attempt yields without effect.
var ErrLeaseConflict = fmt.Errorf("lease held by another process")

// LeasePayload is the JSON body of both lease files.
type LeasePayload struct {
	Status        string `json:"status"`
	Created       string `json:"created,omitempty"`
	Acquired      string `json:"acquired,omitempty"`
	LastHeartbeat string `json:"last_heartbeat,omitempty"`
	User          string `json:"user"`
	Hostname      string `json:"hostname,omitempty"`
	PID           int    `json:"pid,omitempty"`
}

// Lease is the cross-process mutual exclusion claim on the central store.
// The rename from the unlocked file to the locked file is the only atomic
// step; every other write goes through writeAtomic on a file the holder
// already owns.
type Lease struct {
	dir            string
	user           string
	lockTimeout    time.Duration
	heartbeatEvery time.Duration
	now            func() time.Time

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// NewLease creates a lease handle over the shared logs folder. It does not
// touch the filesystem until Acquire.
func NewLease(dir, user string) *Lease {
	return &Lease{
		dir:            dir,
		user:           user,
		lockTimeout:    DefaultLockTimeout,
		heartbeatEvery: DefaultHeartbeatEvery,
		now:            time.Now,
	}
}

func (l *Lease) unlockedPath() string { return filepath.Join(l.dir, unlockedFile) }
func (l *Lease) lockedPath() string   { return filepath.Join(l.dir, lockedFile) }

func (l *Lease) readPayload(path string) (LeasePayload, error) {
	var p LeasePayload
	data, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return p, nil
}

func (l *Lease) writePayload(path string, p LeasePayload) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode lease payload: %w", err)
	}
	return writeAtomic(path, data)
}

// isStale reports whether a locked payload's heartbeat is older than the
// lock timeout. Unparseable heartbeats count as stale.
func (l *Lease) isStale(p LeasePayload) bool {
	hb, err := time.Parse(time.RFC3339, p.LastHeartbeat)
	if err != nil {
		return true
	}
	return l.now().Sub(hb) > l.lockTimeout
}

// Acquire claims the lease. On success the heartbeat task is running and
// Release must be called. ErrLeaseConflict means another process holds a
// fresh lease.
func (l *Lease) Acquire() error {
	now := l.now().Format(time.RFC3339)
	hostname, _ := os.Hostname()

	_, unlockedErr := os.Stat(l.unlockedPath())
	_, lockedErr := os.Stat(l.lockedPath())

	// Bootstrap: neither file exists yet.
	if os.IsNotExist(unlockedErr) && os.IsNotExist(lockedErr) {
		p := LeasePayload{Status: "unlocked", Created: now, User: l.user}
		if err := l.writePayload(l.unlockedPath(), p); err != nil {
			return fmt.Errorf("bootstrap lease: %w", err)
		}
		unlockedErr = nil
	}

	// Break a stale lock by renaming it back to unlocked with a fresh
	// payload.
	if lockedErr == nil {
		p, err := l.readPayload(l.lockedPath())
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read locked lease: %w", err)
		}
		if err == nil {
			if !l.isStale(p) {
				return ErrLeaseConflict
			}
			if err := os.Rename(l.lockedPath(), l.unlockedPath()); err != nil {
				return ErrLeaseConflict
			}
			fresh := LeasePayload{Status: "unlocked", Created: now, User: l.user}
			if err := l.writePayload(l.unlockedPath(), fresh); err != nil {
				return fmt.Errorf("rewrite broken lease: %w", err)
			}
			unlockedErr = nil
		}
	}

	if unlockedErr != nil {
		return ErrLeaseConflict
	}

	// The atomic step: whoever wins this rename owns the lock.
	if err := os.Rename(l.unlockedPath(), l.lockedPath()); err != nil {
		return ErrLeaseConflict
	}

	claim := LeasePayload{
		Status:        "locked",
		Acquired:      now,
		LastHeartbeat: now,
		User:          l.user,
		Hostname:      hostname,
		PID:           os.Getpid(),
	}
	if err := l.writePayload(l.lockedPath(), claim); err != nil {
		return fmt.Errorf("write lock payload: %w", err)
	}

	// Verify the payload survived; another process may have raced the
	// rename window.
	check, err := l.readPayload(l.lockedPath())
	if err != nil {
		return ErrLeaseConflict
	}
	if check.Acquired != claim.Acquired || check.User != claim.User ||
		check.PID != claim.PID || check.Hostname != claim.Hostname {
		return ErrLeaseConflict
	}

	l.stopHeartbeat = make(chan struct{})
	l.heartbeatDone = make(chan struct{})
	go l.heartbeatLoop(claim)

	return nil
}

func (l *Lease) heartbeatLoop(p LeasePayload) {
	defer close(l.heartbeatDone)

	ticker := time.NewTicker(l.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopHeartbeat:
			return
		case <-ticker.C:
			p.LastHeartbeat = l.now().Format(time.RFC3339)
			l.writePayload(l.lockedPath(), p)
		}
	}
}

// Release stops the heartbeat and renames the lock back to unlocked with a
// fresh payload. A stray unlocked file is deleted first so at most one
// lease file remains.
func (l *Lease) Release() error {
	if l.stopHeartbeat != nil {
		close(l.stopHeartbeat)
		<-l.heartbeatDone
		l.stopHeartbeat = nil
		l.heartbeatDone = nil
	}

	os.Remove(l.unlockedPath())

	if err := os.Rename(l.lockedPath(), l.unlockedPath()); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	p := LeasePayload{
		Status:  "unlocked",
		Created: l.now().Format(time.RFC3339),
		User:    l.user,
	}
	if err := l.writePayload(l.unlockedPath(), p); err != nil {
		return fmt.Errorf("rewrite unlocked lease: %w", err)
	}
	return nil
}
