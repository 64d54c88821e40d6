package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/pytredb/pytre/internal/logstore"
)

// CentralStoreName is the shared SQLite file inside the logs folder.
const CentralStoreName = "Pytre_Logs.db"

var retryDelays = []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}

// Syncer is the long-running central log replication task, one per
// supervising process. Trigger requests a sync attempt; failures never
// block the execution path or the per-user store.
type Syncer struct {
	Store  *logstore.Store
	Dir    string // shared logs folder
	Ident  Identity
	Logger *slog.Logger

	// Tunable for tests; zero values use the package defaults.
	RetryDelays []time.Duration
	PollEvery   time.Duration
	StableFor   time.Duration
	MaxWait     time.Duration

	trigger chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// Start launches the background loop and performs startup housekeeping.
func (s *Syncer) Start() {
	s.trigger = make(chan struct{}, 1)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	cleanStaleTemps(s.Dir)
	go s.loop()
}

// Trigger requests a sync attempt. Non-blocking; a pending trigger absorbs
// further ones.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop shuts the loop down with a bounded join of 5 seconds, then runs
// shutdown housekeeping.
func (s *Syncer) Stop() {
	close(s.stop)
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.Logger.Warn("central sync loop did not stop in time")
	}
	cleanStaleTemps(s.Dir)
}

func (s *Syncer) loop() {
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			// Flush a pending trigger before leaving; with stop closed the
			// retry sleeps are skipped, so this is a single attempt.
			select {
			case <-s.trigger:
				if err := s.syncWithRetries(); err != nil {
					s.Logger.Error("central sync aborted", "error", err)
				}
			default:
			}
			return
		case <-s.trigger:
			if err := s.syncWithRetries(); err != nil {
				s.Logger.Error("central sync aborted", "error", err)
			}
		}
	}
}

// Sync runs one synchronization with the full retry schedule, bracketed by
// the same temp sweeps Start and Stop perform. One-shot form of the loop
// for commands whose process does not outlive the attempt.
func (s *Syncer) Sync() error {
	cleanStaleTemps(s.Dir)
	defer cleanStaleTemps(s.Dir)
	return s.syncWithRetries()
}

func (s *Syncer) retryDelays() []time.Duration {
	if len(s.RetryDelays) > 0 {
		return s.RetryDelays
	}
	return retryDelays
}

// syncWithRetries runs one sync attempt, retrying transient failures with
// jittered delays. A lease conflict yields quietly; another process is
// already merging.
func (s *Syncer) syncWithRetries() error {
	var err error
	for attempt, delay := 0, time.Duration(0); ; attempt++ {
		if delay > 0 {
			select {
			case <-s.stop:
				return err
			case <-time.After(delay):
			}
		}

		err = s.SyncOnce(context.Background())
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLeaseConflict) {
			s.Logger.Info("central sync yielded, lease held elsewhere")
			return nil
		}

		delays := s.retryDelays()
		if attempt >= len(delays) {
			return fmt.Errorf("retries exhausted: %w", err)
		}
		jitter := 0.8 + 0.4*rand.Float64()
		delay = time.Duration(float64(delays[attempt]) * jitter)
		s.Logger.Warn("central sync failed, will retry",
			"attempt", attempt+1, "delay", delay, "error", err)
	}
}

// SyncOnce runs the five sync phases: export, acquire, swap and drain,
// merge, release.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	if _, err := exportBatch(ctx, s.Store, s.Dir, s.Ident); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	lease := NewLease(s.Dir, s.Ident.UserID)
	if err := lease.Acquire(); err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(); err != nil {
			s.Logger.Warn("lease release failed", "error", err)
		}
	}()

	drainDir, err := swapActiveFolder(s.Dir)
	if err != nil {
		return fmt.Errorf("swap queue folder: %w", err)
	}
	waitFolderStable(drainDir, s.pollEvery(), s.stableFor(), s.maxWait())

	activeDir, err := activeQueueFolder(s.Dir)
	if err != nil {
		return fmt.Errorf("resolve active folder: %w", err)
	}

	centralPath := filepath.Join(s.Dir, CentralStoreName)
	if err := mergeFolder(centralPath, drainDir, activeDir); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

func (s *Syncer) pollEvery() time.Duration {
	if s.PollEvery > 0 {
		return s.PollEvery
	}
	return stablePollEvery
}

func (s *Syncer) stableFor() time.Duration {
	if s.StableFor > 0 {
		return s.StableFor
	}
	return stableAfter
}

func (s *Syncer) maxWait() time.Duration {
	if s.MaxWait > 0 {
		return s.MaxWait
	}
	return stableMaxWait
}
