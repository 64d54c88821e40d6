// Package worker isolates query execution in a child process so a blocked
// driver call or runaway query can be force-killed without destabilizing
// the supervising process. Supervisor and worker exchange JSON lines over
// the child's stdin and stdout.
package worker

import (
	"github.com/pytredb/pytre/internal/model"
)

// MsgType tags a message flowing from the worker to the supervisor.
type MsgType string

const (
	MsgPrint      MsgType = "print"       // diagnostic only
	MsgOutput     MsgType = "output"      // user-facing progress line
	MsgResult     MsgType = "result"      // row count + output file
	MsgError      MsgType = "error"       // execution failed
	MsgCentralLog MsgType = "central_log" // ask the supervisor to trigger a sync
	MsgDone       MsgType = "done"        // task finished, worker idle again
)

// Message is one JSON line on the worker's stdout.
type Message struct {
	Type     MsgType `json:"type"`
	Text     string  `json:"text,omitempty"`
	RowCount int64   `json:"row_count,omitempty"`
	File     string  `json:"file,omitempty"`
}

// Task carries everything the worker needs to run one extraction. The query
// travels as raw text plus the user-entered display values; the worker
// re-parses so template and parameter objects are built in the executing
// process.
type Task struct {
	Server    model.Server      `json:"server"`
	QueryName string            `json:"query_name"`
	QueryText string            `json:"query_text"`
	Values    map[string]string `json:"values"`
	User      model.User        `json:"user"`
	Settings  model.Settings    `json:"settings"`
	OutFile   string            `json:"out_file"`
	LogPath   string            `json:"log_path,omitempty"` // per-user store; empty disables
	AppName   string            `json:"app_name,omitempty"`
}

// command is one JSON line on the worker's stdin.
type command struct {
	Type string `json:"type"` // "task" or "stop"
	Task *Task  `json:"task,omitempty"`
}
