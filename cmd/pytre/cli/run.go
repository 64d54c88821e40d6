package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/text/encoding/charmap"

	"github.com/pytredb/pytre/internal/central"
	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/logstore"
	"github.com/pytredb/pytre/internal/query"
	"github.com/pytredb/pytre/internal/worker"
)

func newRunCmd() *cobra.Command {
	var (
		serverID string
		params   []string
		outFile  string
		showSQL  bool
	)

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Execute a query and extract the result to CSV",
		Example: `  pytre run ventes --param d_start=01/01/2024 --param d_end=31/12/2024
  pytre run clients --server backup --out /tmp/clients.csv
  pytre run ventes --show-sql`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(args[0], serverID, params, outFile, showSQL)
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "Server id to run against (default: query's first server)")
	cmd.Flags().StringArrayVar(&params, "param", nil, "Parameter value as name=value (repeatable)")
	cmd.Flags().StringVar(&outFile, "out", "", "Output file (default: <extract folder>/<query>_<timestamp>.csv)")
	cmd.Flags().BoolVar(&showSQL, "show-sql", false, "Print the debug SQL rendering instead of executing")

	return cmd
}

func parseParamFlags(flags []string) (map[string]string, error) {
	values := make(map[string]string, len(flags))
	for _, f := range flags {
		name, value, found := strings.Cut(f, "=")
		name = strings.TrimPrefix(strings.TrimSpace(name), "@")
		if !found || name == "" {
			return nil, fmt.Errorf("bad --param %q, want name=value", f)
		}
		values[name] = value
	}
	return values, nil
}

func runRun(queryName, serverID string, paramFlags []string, outFile string, showSQL bool) error {
	logger := newLogger()

	doc, err := loadDocument()
	if err != nil {
		return err
	}
	user := currentUser(doc)
	conv := convert.New(doc.Settings)

	cat, err := query.Scan(doc.Settings.QueriesFolder, conv, user)
	if err != nil {
		return err
	}
	q, ok := cat.Get(queryName)
	if !ok {
		return fmt.Errorf("query %q not found in %s", queryName, doc.Settings.QueriesFolder)
	}

	srv, err := resolveServer(doc, q.AllowedServers, serverID)
	if err != nil {
		return err
	}
	if !query.Visible(q, user, srv.ID) {
		return fmt.Errorf("query %q is not available to %s on server %s", q.Name, user.Username, srv.ID)
	}

	values, err := parseParamFlags(paramFlags)
	if err != nil {
		return err
	}
	for name, display := range values {
		p, ok := q.Param(name)
		if !ok {
			return fmt.Errorf("query %q has no parameter @%s", q.Name, name)
		}
		if err := p.UpdateValue(display, conv); err != nil {
			return fmt.Errorf("parameter @%s: %w", name, err)
		}
	}
	// Required parameters without a usable default must be supplied.
	for _, p := range q.Params {
		if _, set := values[p.Name]; set {
			continue
		}
		if err := p.UpdateValue(p.DisplayValue, conv); err != nil {
			return fmt.Errorf("parameter @%s: %w", p.Name, err)
		}
	}

	if showSQL {
		sql, err := q.DebugSQL(conv)
		if err != nil {
			return err
		}
		fmt.Println(sql)
		return nil
	}

	if outFile == "" {
		folder, err := extractFolder(doc.Settings)
		if err != nil {
			return err
		}
		outFile = filepath.Join(folder,
			fmt.Sprintf("%s_%s.csv", q.Name, time.Now().Format("20060102_150405")))
	}

	queryText, err := readQuerySource(q)
	if err != nil {
		return err
	}

	sup := &worker.Supervisor{Logger: logger}
	defer sup.Shutdown()

	// The syncer runs for the life of the command; the worker's central_log
	// message triggers it, Stop drains any pending trigger on the way out.
	var syncer *central.Syncer
	if doc.Settings.LogsEnabled && doc.Settings.LogsFolder != "" {
		store, err := logstore.Open(userStorePath())
		if err != nil {
			logger.Error("cannot open execution log", "error", err)
		} else {
			defer store.Close()
			syncer = &central.Syncer{
				Store:  store,
				Dir:    doc.Settings.LogsFolder,
				Ident:  worker.TaskIdentity(srv, user),
				Logger: logger,
			}
			syncer.Start()
			defer syncer.Stop()
		}
	}

	task := worker.Task{
		Server:    srv,
		QueryName: q.Name,
		QueryText: queryText,
		Values:    displayValues(q),
		User:      user,
		Settings:  doc.Settings,
		OutFile:   outFile,
		LogPath:   userStorePath(),
		AppName:   "pytre_" + versionString(),
	}

	return sup.Submit(task, func(m worker.Message) {
		switch m.Type {
		case worker.MsgOutput:
			fmt.Println(m.Text)
		case worker.MsgPrint:
			logger.Debug(m.Text)
		case worker.MsgError:
			fmt.Println("error: " + m.Text)
		case worker.MsgCentralLog:
			if syncer != nil {
				syncer.Trigger()
			}
		}
	})
}

// displayValues snapshots the display value of every parameter after the
// flags were applied; the worker re-parses and replays them.
func displayValues(q *query.Query) map[string]string {
	out := make(map[string]string, len(q.Params))
	for _, p := range q.Params {
		out[p.Name] = p.DisplayValue
	}
	return out
}

// readQuerySource re-reads the raw file so the worker gets the exact text,
// header included.
func readQuerySource(q *query.Query) (string, error) {
	data, err := readFileAnyEncoding(q.SourcePath)
	if err != nil {
		return "", fmt.Errorf("read query source: %w", err)
	}
	return data, nil
}

// runCentralSync replicates the per-user log into the shared central store,
// retrying transient failures on the standard schedule.
func runCentralSync(logPath, logsFolder string, ident central.Identity, logger *slog.Logger) error {
	store, err := logstore.Open(logPath)
	if err != nil {
		return err
	}
	defer store.Close()

	s := &central.Syncer{Store: store, Dir: logsFolder, Ident: ident, Logger: logger}
	return s.Sync()
}

// readFileAnyEncoding reads a file as UTF-8, falling back to Windows-1252.
func readFileAnyEncoding(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	text := string(data)
	if !utf8.ValidString(text) {
		decoded, derr := charmap.Windows1252.NewDecoder().String(text)
		if derr != nil {
			return "", fmt.Errorf("decode %s: %w", filepath.Base(path), derr)
		}
		text = decoded
	}
	return text, nil
}
