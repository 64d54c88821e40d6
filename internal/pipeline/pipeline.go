// Package pipeline streams a query's result set into a CSV extract file
// through a bounded line buffer, with progress reporting and cooperative
// cancellation.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/query"
)

// DefaultBufferSize is the number of lines accumulated between flushes.
const DefaultBufferSize = 50_000

// ErrCancelled is returned when force-stop interrupts the row stream.
var ErrCancelled = fmt.Errorf("execution cancelled")

// ConnectionError wraps a driver connect failure. Fatal for this execution
// only.
type ConnectionError struct{ Err error }

func (e *ConnectionError) Error() string { return fmt.Sprintf("connection failed: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError wraps a statement rejected or aborted by the driver. Fatal
// for this execution only.
type ExecutionError struct{ Err error }

func (e *ExecutionError) Error() string { return fmt.Sprintf("execution failed: %v", e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// Flag is a set-once cancellation signal shared across goroutines.
type Flag struct{ v atomic.Bool }

func (f *Flag) Set()        { f.v.Store(true) }
func (f *Flag) IsSet() bool { return f.v.Load() }

// Gate tells the supervisor whether a cooperative stop can take effect. It
// is closed while the driver call is in flight (not safely interruptible)
// and open during row iteration.
type Gate struct{ v atomic.Bool }

func (g *Gate) Open()        { g.v.Store(true) }
func (g *Gate) Close()       { g.v.Store(false) }
func (g *Gate) IsOpen() bool { return g.v.Load() }

// Result summarizes one execution.
type Result struct {
	RowCount int64
	File     string
	Start    time.Time
	End      time.Time
}

// Pipeline executes statements and writes CSV extracts. One instance per
// worker process.
type Pipeline struct {
	Conv       *convert.Converter
	Logger     *slog.Logger
	BufferSize int
	Emit       func(string) // user-facing progress sink
}

func (p *Pipeline) emit(format string, args ...any) {
	if p.Emit != nil {
		p.Emit(fmt.Sprintf(format, args...))
	}
}

func (p *Pipeline) bufferSize() int {
	if p.BufferSize > 0 {
		return p.BufferSize
	}
	return DefaultBufferSize
}

// Execute opens the server connection, runs the statement, and streams rows
// to outFile. Contained failures (connection, statement) are emitted as
// output messages and returned as their typed error with a zero Result; a
// cancelled run returns ErrCancelled and leaves no file behind.
func (p *Pipeline) Execute(ctx context.Context, reg *connector.Registry, cfg connector.Config,
	stmt query.Statement, outFile string, stop *Flag, canStop *Gate) (Result, error) {

	res := Result{Start: time.Now()}

	conn, err := reg.Open(cfg)
	if err != nil {
		p.emit("cannot connect to %s: %v", cfg.Server.ID, err)
		return res, &ConnectionError{Err: err}
	}
	defer conn.Disconnect()

	if err := conn.Setup(ctx); err != nil {
		p.emit("cannot prepare session on %s: %v", cfg.Server.ID, err)
		return res, &ConnectionError{Err: err}
	}

	// The driver call is not safely interruptible: close the stop gate for
	// its duration and reopen it once rows are streaming.
	canStop.Close()
	rows, err := conn.DB().QueryxContext(ctx, stmt.SQL, stmt.Args...)
	canStop.Open()
	if err != nil {
		p.emit("query failed: %v", err)
		return res, &ExecutionError{Err: err}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		p.emit("query failed: %v", err)
		return res, &ExecutionError{Err: err}
	}

	w := &csvWriter{
		path:   outFile,
		header: strings.Join(cols, p.Conv.FieldSeparator()),
		logger: p.Logger,
	}
	defer w.abandon()

	var (
		buffer  = make([]string, 0, p.bufferSize())
		total   int64
		flushed int64
	)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		if err := w.writeBlock(buffer); err != nil {
			return err
		}
		from := flushed + 1
		flushed += int64(len(buffer))
		p.emit("rows from %d to %d written", from, flushed)
		buffer = buffer[:0]
		return nil
	}

	cancel := func() (Result, error) {
		w.remove()
		return Result{Start: res.Start, End: time.Now()}, ErrCancelled
	}

	for rows.Next() {
		if stop.IsSet() {
			return cancel()
		}

		values, err := rows.SliceScan()
		if err != nil {
			p.emit("row read failed: %v", err)
			return res, &ExecutionError{Err: err}
		}

		cells := make([]string, len(values))
		for i, v := range values {
			cells[i] = p.Conv.FromResult(v)
		}
		buffer = append(buffer, strings.Join(cells, p.Conv.FieldSeparator()))
		total++

		if len(buffer) >= p.bufferSize() {
			if stop.IsSet() {
				return cancel()
			}
			if err := flush(); err != nil {
				p.emit("write failed: %v", err)
				return res, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		p.emit("query aborted: %v", err)
		return res, &ExecutionError{Err: err}
	}
	if stop.IsSet() {
		return cancel()
	}

	if err := flush(); err != nil {
		p.emit("write failed: %v", err)
		return res, err
	}
	if err := w.close(); err != nil {
		return res, err
	}

	res.RowCount = total
	res.End = time.Now()
	if total > 0 {
		res.File = outFile
		p.emit("%d rows extracted to %s (started %s, finished %s)",
			total, outFile, res.Start.Format("15:04:05"), res.End.Format("15:04:05"))
	} else {
		p.emit("no rows - no file (started %s, finished %s)",
			res.Start.Format("15:04:05"), res.End.Format("15:04:05"))
	}
	return res, nil
}

// csvWriter appends encoded blocks to the extract file. The file is created
// lazily so an empty result set produces no file. Each block is encoded in
// the local 8-bit codepage, falling back to UTF-8 when the block does not
// fit; the chosen encoding is final for that block only.
type csvWriter struct {
	path    string
	header  string
	logger  *slog.Logger
	f       *os.File
	created bool
}

func (w *csvWriter) writeBlock(lines []string) error {
	if w.f == nil {
		f, err := os.Create(w.path)
		if err != nil {
			return fmt.Errorf("create extract file: %w", err)
		}
		w.f = f
		w.created = true
		if _, err := f.Write(encodeBlock(w.header + "\n")); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	block := strings.Join(lines, "\n") + "\n"
	if _, err := w.f.Write(encodeBlock(block)); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	return nil
}

func (w *csvWriter) close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// remove discards the partial file after a cancellation.
func (w *csvWriter) remove() {
	w.close()
	if w.created {
		if err := os.Remove(w.path); err != nil && w.logger != nil {
			w.logger.Warn("cannot remove partial extract", "path", w.path, "error", err)
		}
		w.created = false
	}
}

// abandon closes the handle without deleting anything; used as a safety net
// on early returns.
func (w *csvWriter) abandon() {
	w.close()
}

func encodeBlock(s string) []byte {
	if b, err := charmap.Windows1252.NewEncoder().Bytes([]byte(s)); err == nil {
		return b
	}
	return []byte(s)
}
