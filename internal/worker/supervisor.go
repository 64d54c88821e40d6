package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace is how long a cooperative stop may take before the worker
// process is killed and respawned.
const stopGrace = 3 * time.Second

// Supervisor keeps exactly one live idle worker process and hands it tasks.
// When a worker is killed or dies, a replacement is spawned before the next
// task.
type Supervisor struct {
	Logger *slog.Logger

	// Command overrides the worker command line; empty means re-exec this
	// binary with the hidden worker subcommand.
	Command []string

	mu       sync.Mutex
	proc     *process
	taskDone chan struct{} // non-nil while a task is in flight
	creating atomic.Bool
}

// process is one spawned worker with its IPC pipes. The scanner lives with
// the process so buffered output survives across submits.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	scan   *bufio.Scanner
	done   chan struct{} // closed when the process exits
}

func (s *Supervisor) command() []string {
	if len(s.Command) > 0 {
		return s.Command
	}
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return []string{exe, "worker"}
}

// CreatingWorker reports whether a spawn is in flight.
func (s *Supervisor) CreatingWorker() bool { return s.creating.Load() }

// EnsureWorker spawns a worker if none is alive. Called on startup and
// after each use.
func (s *Supervisor) EnsureWorker() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked()
}

func (s *Supervisor) ensureLocked() error {
	if s.proc != nil && s.proc.alive() {
		return nil
	}

	s.creating.Store(true)
	defer s.creating.Store(false)

	argv := s.command()
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	scan := bufio.NewScanner(stdout)
	scan.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	p := &process{cmd: cmd, stdin: stdin, stdout: stdout, scan: scan, done: make(chan struct{})}
	go func() {
		cmd.Wait() //nolint:errcheck
		close(p.done)
	}()

	s.proc = p
	s.Logger.Debug("worker spawned", "pid", cmd.Process.Pid)
	return nil
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Submit sends one task to the worker and streams its messages to handle
// until done. handle runs on the calling goroutine; Submit returns when the
// task completes or the worker dies mid-task.
func (s *Supervisor) Submit(task Task, handle func(Message)) error {
	s.mu.Lock()
	if err := s.ensureLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	p := s.proc
	done := make(chan struct{})
	s.taskDone = done
	s.mu.Unlock()

	defer func() {
		close(done)
		s.mu.Lock()
		if s.taskDone == done {
			s.taskDone = nil
		}
		s.mu.Unlock()
	}()

	line, err := json.Marshal(command{Type: "task", Task: &task})
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send task: %w", err)
	}

	for p.scan.Scan() {
		raw := p.scan.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.Logger.Warn("bad worker message", "error", err)
			continue
		}
		if msg.Type == MsgDone {
			return nil
		}
		handle(msg)
	}

	return fmt.Errorf("worker exited mid-task")
}

// Stop requests a cooperative stop of the running task. If the task does
// not yield within the grace period the worker is killed and a replacement
// is spawned immediately.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	p := s.proc
	done := s.taskDone
	s.mu.Unlock()
	if p == nil || !p.alive() || done == nil {
		return
	}

	line, _ := json.Marshal(command{Type: "stop"})
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		s.kill(p)
		return
	}

	// The stop takes effect at most one row-iteration later unless the
	// driver itself is blocked; then killing is the only recovery.
	select {
	case <-done:
	case <-p.done:
	case <-time.After(stopGrace):
		s.kill(p)
	}
}

func (s *Supervisor) kill(p *process) {
	s.Logger.Warn("worker unresponsive, killing", "pid", p.cmd.Process.Pid)
	p.cmd.Process.Kill() //nolint:errcheck
	<-p.done

	if err := s.EnsureWorker(); err != nil {
		s.Logger.Error("cannot respawn worker", "error", err)
	}
}

// Shutdown terminates the idle worker. Called on application exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p == nil {
		return
	}

	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(stopGrace):
		p.cmd.Process.Kill() //nolint:errcheck
		<-p.done
	}
}
