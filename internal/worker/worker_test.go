package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedServer(t *testing.T) model.Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.db")

	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.MustExec("CREATE TABLE clients (id INTEGER, city TEXT)")
	db.MustExec("INSERT INTO clients VALUES (1, 'Lyon'), (2, 'Paris'), (3, 'Lyon')")
	db.Close()

	return model.Server{ID: "local", Kind: model.KindSQLite, Database: path}
}

const clientQuery = `DECLARE
@id AS int = '1' -- Client id
;
SELECT id, city FROM clients WHERE id >= @id ORDER BY id`

func sendTask(t *testing.T, w io.Writer, task Task) {
	t.Helper()
	line, err := json.Marshal(command{Type: "task", Task: &task})
	if err != nil {
		t.Fatalf("encode task: %v", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		t.Fatalf("send task: %v", err)
	}
}

func collectMessages(t *testing.T, r io.Reader) []Message {
	t.Helper()
	var msgs []Message
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var m Message
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("bad message %q: %v", scanner.Text(), err)
		}
		msgs = append(msgs, m)
		if m.Type == MsgDone {
			break
		}
	}
	return msgs
}

func messageOfType(msgs []Message, typ MsgType) (Message, bool) {
	for _, m := range msgs {
		if m.Type == typ {
			return m, true
		}
	}
	return Message{}, false
}

func TestRunExecutesTask(t *testing.T) {
	srv := seedServer(t)
	outFile := filepath.Join(t.TempDir(), "clients.csv")
	logPath := filepath.Join(t.TempDir(), "logs", "user.db")

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	runDone := make(chan error, 1)
	go func() { runDone <- Run(inR, outW, testLogger()) }()

	sendTask(t, inW, Task{
		Server:    srv,
		QueryName: "clients",
		QueryText: clientQuery,
		Values:    map[string]string{"id": "2"},
		Settings:  model.Settings{},
		OutFile:   outFile,
		LogPath:   logPath,
		AppName:   "pytre_test",
	})

	msgs := collectMessages(t, outR)

	res, ok := messageOfType(msgs, MsgResult)
	if !ok {
		t.Fatalf("no result message in %+v", msgs)
	}
	if res.RowCount != 2 || res.File != outFile {
		t.Errorf("result = %+v", res)
	}
	if _, ok := messageOfType(msgs, MsgCentralLog); !ok {
		t.Error("no central_log message after successful run")
	}
	if _, ok := messageOfType(msgs, MsgError); ok {
		t.Errorf("unexpected error message in %+v", msgs)
	}

	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read extract: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 || lines[0] != "id;city" {
		t.Errorf("extract = %q", lines)
	}

	// The per-user log got the record, with the user's value snapshot.
	store, err := logstore.Open(logPath)
	if err != nil {
		t.Fatalf("open log store: %v", err)
	}
	defer store.Close()
	recs, err := store.LastRecords(context.Background(), "clients", 5)
	if err != nil {
		t.Fatalf("LastRecords: %v", err)
	}
	if len(recs) != 1 || recs[0].NbRows != 2 {
		t.Fatalf("log records = %+v", recs)
	}
	if !strings.Contains(recs[0].Parameters.String, `"id":"2"`) {
		t.Errorf("parameters snapshot = %q", recs[0].Parameters.String)
	}

	inW.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not exit on closed stdin")
	}
}

func TestRunRejectsUnknownParameter(t *testing.T) {
	srv := seedServer(t)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go Run(inR, outW, testLogger()) //nolint:errcheck
	defer inW.Close()

	sendTask(t, inW, Task{
		Server:    srv,
		QueryName: "clients",
		QueryText: clientQuery,
		Values:    map[string]string{"nope": "1"},
		OutFile:   filepath.Join(t.TempDir(), "o.csv"),
	})

	msgs := collectMessages(t, outR)
	errMsg, ok := messageOfType(msgs, MsgError)
	if !ok {
		t.Fatalf("no error message in %+v", msgs)
	}
	if !strings.Contains(errMsg.Text, "@nope") {
		t.Errorf("error text = %q", errMsg.Text)
	}
}

func TestRunContainedConnectFailure(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go Run(inR, outW, testLogger()) //nolint:errcheck
	defer inW.Close()

	sendTask(t, inW, Task{
		Server:    model.Server{ID: "bad", Kind: model.KindSQLite, Database: "/no/such/dir/x.db"},
		QueryName: "clients",
		QueryText: clientQuery,
		OutFile:   filepath.Join(t.TempDir(), "o.csv"),
	})

	msgs := collectMessages(t, outR)

	// Contained failure: emitted as output, result is zero rows, no error.
	res, ok := messageOfType(msgs, MsgResult)
	if !ok || res.RowCount != 0 || res.File != "" {
		t.Errorf("result = %+v (found %v)", res, ok)
	}
	if _, ok := messageOfType(msgs, MsgError); ok {
		t.Error("connect failure should not surface as an error message")
	}
	if _, ok := messageOfType(msgs, MsgOutput); !ok {
		t.Error("connect failure should be reported as output")
	}
}

func TestRunStopWithQueuedTask(t *testing.T) {
	srv := seedServer(t)
	dir := t.TempDir()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	runDone := make(chan error, 1)
	go func() { runDone <- Run(inR, outW, testLogger()) }()

	// Two tasks and a stop, written back to back before any message is
	// consumed. The second task queues behind the first; the stop must
	// still get through the reader.
	var burst bytes.Buffer
	for i := 1; i <= 2; i++ {
		task := Task{
			Server:    srv,
			QueryName: "clients",
			QueryText: clientQuery,
			Values:    map[string]string{"id": "1"},
			OutFile:   filepath.Join(dir, fmt.Sprintf("burst_%d.csv", i)),
		}
		line, err := json.Marshal(command{Type: "task", Task: &task})
		if err != nil {
			t.Fatal(err)
		}
		burst.Write(append(line, '\n'))
	}
	stopLine, _ := json.Marshal(command{Type: "stop"})
	burst.Write(append(stopLine, '\n'))

	go inW.Write(burst.Bytes()) //nolint:errcheck

	// Both tasks must complete their message cycle; the stop may cancel
	// the first, never deadlock the loop.
	for i := 1; i <= 2; i++ {
		msgs := collectMessages(t, outR)
		if _, ok := messageOfType(msgs, MsgResult); !ok {
			t.Fatalf("task %d: no result in %+v", i, msgs)
		}
	}

	inW.Close()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not exit with a queued task and a stop")
	}
}

func TestRunHandlesSequentialTasks(t *testing.T) {
	srv := seedServer(t)
	dir := t.TempDir()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go Run(inR, outW, testLogger()) //nolint:errcheck
	defer inW.Close()

	for i := 1; i <= 2; i++ {
		out := filepath.Join(dir, fmt.Sprintf("run_%d.csv", i))
		sendTask(t, inW, Task{
			Server:    srv,
			QueryName: "clients",
			QueryText: clientQuery,
			Values:    map[string]string{"id": "1"},
			OutFile:   out,
		})
		msgs := collectMessages(t, outR)
		res, ok := messageOfType(msgs, MsgResult)
		if !ok || res.RowCount != 3 {
			t.Fatalf("run %d: result = %+v", i, res)
		}
	}
}
