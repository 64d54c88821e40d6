package worker

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pytredb/pytre/internal/central"
	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/connector/mssql"
	"github.com/pytredb/pytre/internal/connector/mysql"
	"github.com/pytredb/pytre/internal/connector/postgres"
	"github.com/pytredb/pytre/internal/connector/sqlite"
	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/logstore"
	"github.com/pytredb/pytre/internal/model"
	"github.com/pytredb/pytre/internal/pipeline"
	"github.com/pytredb/pytre/internal/query"
)

// newRegistry wires every supported connector. Both the worker loop and
// the CLI use it.
func newRegistry() *connector.Registry {
	reg := connector.NewRegistry()
	reg.Register(model.KindMSSQL, func() connector.Connector { return mssql.New() })
	reg.Register(model.KindPostgres, func() connector.Connector { return postgres.New() })
	reg.Register(model.KindMySQL, func() connector.Connector { return mysql.New() })
	reg.Register(model.KindSQLite, func() connector.Connector { return sqlite.New() })
	return reg
}

// NewRegistry returns a registry with every supported connector registered.
func NewRegistry() *connector.Registry { return newRegistry() }

// sender serializes worker messages onto stdout. One JSON object per line.
type sender struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (s *sender) send(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enc.Encode(m) //nolint:errcheck
}

// Run is the worker loop. It reads commands from in, executes tasks one at
// a time, and writes messages to out. It returns when in is closed.
func Run(in io.Reader, out io.Writer, logger *slog.Logger) error {
	snd := &sender{enc: json.NewEncoder(out)}

	// Buffered so one queued task does not wedge the reader; a stop line
	// behind it must still reach the running execution.
	tasks := make(chan Task, 1)
	var (
		mu   sync.Mutex
		stop *pipeline.Flag
	)

	// Reader goroutine: tasks queue up, stop flips the current run's flag
	// immediately.
	readErr := make(chan error, 1)
	go func() {
		defer close(tasks)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var cmd command
			if err := json.Unmarshal(line, &cmd); err != nil {
				logger.Warn("worker: bad command line", "error", err)
				continue
			}
			switch cmd.Type {
			case "task":
				if cmd.Task != nil {
					tasks <- *cmd.Task
				}
			case "stop":
				mu.Lock()
				if stop != nil {
					stop.Set()
				}
				mu.Unlock()
			}
		}
		readErr <- scanner.Err()
	}()

	for task := range tasks {
		flag := &pipeline.Flag{}
		mu.Lock()
		stop = flag
		mu.Unlock()

		runTask(task, flag, snd, logger)

		mu.Lock()
		stop = nil
		mu.Unlock()

		snd.send(Message{Type: MsgDone})
	}
	return <-readErr
}

// runTask executes one extraction end to end: re-parse the query, apply
// the user's values, run the pipeline, append the per-user log record, and
// request a central sync.
func runTask(task Task, stop *pipeline.Flag, snd *sender, logger *slog.Logger) {
	conv := convert.New(task.Settings.WithDefaults())

	q, err := query.Parse(task.QueryName, task.QueryText, conv, task.User)
	if err != nil {
		snd.send(Message{Type: MsgError, Text: fmt.Sprintf("cannot parse query: %v", err)})
		return
	}

	for name, display := range task.Values {
		p, ok := q.Param(name)
		if !ok {
			snd.send(Message{Type: MsgError, Text: fmt.Sprintf("unknown parameter @%s", name)})
			return
		}
		if err := p.UpdateValue(display, conv); err != nil {
			snd.send(Message{Type: MsgError, Text: fmt.Sprintf("parameter @%s: %v", name, err)})
			return
		}
	}
	for _, p := range q.Params {
		if !p.ValueOK {
			snd.send(Message{Type: MsgOutput,
				Text: fmt.Sprintf("warning: parameter @%s does not match its expected pattern", p.Name)})
		}
	}

	stmt, err := q.ExecStatement(task.Server.Kind)
	if err != nil {
		snd.send(Message{Type: MsgError, Text: err.Error()})
		return
	}

	p := &pipeline.Pipeline{
		Conv:   conv,
		Logger: logger,
		Emit:   func(text string) { snd.send(Message{Type: MsgOutput, Text: text}) },
	}
	var canStop pipeline.Gate

	cfg := connector.Config{Server: task.Server, AppName: task.AppName}
	res, err := p.Execute(context.Background(), newRegistry(), cfg, stmt, task.OutFile, stop, &canStop)

	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		snd.send(Message{Type: MsgOutput, Text: "execution cancelled"})
		snd.send(Message{Type: MsgResult, RowCount: 0, File: ""})
		return
	case err != nil:
		var connErr *pipeline.ConnectionError
		var execErr *pipeline.ExecutionError
		if errors.As(err, &connErr) || errors.As(err, &execErr) {
			// Already emitted as output; contained to this execution.
			snd.send(Message{Type: MsgResult, RowCount: 0, File: ""})
			return
		}
		snd.send(Message{Type: MsgError, Text: err.Error()})
		return
	}

	snd.send(Message{Type: MsgResult, RowCount: res.RowCount, File: res.File})

	if task.LogPath != "" {
		if err := appendLog(task, q, res); err != nil {
			// Persistence failures never block the execution path.
			logger.Error("cannot append execution log", "error", err)
			snd.send(Message{Type: MsgPrint, Text: fmt.Sprintf("log append failed: %v", err)})
		} else {
			snd.send(Message{Type: MsgCentralLog})
		}
	}
}

func appendLog(task Task, q *query.Query, res pipeline.Result) error {
	store, err := logstore.Open(task.LogPath)
	if err != nil {
		return err
	}
	defer store.Close()

	params := sql.NullString{}
	if values := q.ParameterValues(); len(values) > 0 {
		data, err := json.Marshal(values)
		if err == nil {
			params = sql.NullString{String: string(data), Valid: true}
		}
	}

	rec := model.ExecutionRecord{
		Query:           q.Name,
		Start:           res.Start.Format("2006-01-02T15:04:05"),
		DurationSeconds: int64(res.End.Sub(res.Start) / time.Second),
		NbRows:          res.RowCount,
		Parameters:      params,
		File:            res.File,
	}
	return store.InsertExec(context.Background(), rec)
}

// Identity for the central log, derived from a task. Kept here so the
// supervisor and the sync CLI agree on the mapping.
func TaskIdentity(server model.Server, user model.User) central.Identity {
	return central.Identity{
		ServerID: server.ID,
		UserID:   user.Username,
		UserName: user.Title,
	}
}
