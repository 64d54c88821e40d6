package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pytredb/pytre/internal/logstore"
	"github.com/pytredb/pytre/internal/model"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit int
		files bool
		stats bool
	)

	cmd := &cobra.Command{
		Use:   "history [query]",
		Short: "Show your recent executions",
		Example: `  pytre history
  pytre history ventes --stats
  pytre history --files`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runHistory(name, limit, files, stats)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of entries to show")
	cmd.Flags().BoolVar(&files, "files", false, "Show recent extract files only")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show aggregate statistics (requires a query name)")

	return cmd
}

func runHistory(queryName string, limit int, files, stats bool) error {
	store, err := logstore.Open(userStorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if files {
		paths, err := store.LastFiles(ctx, limit)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			fmt.Println("No extract files recorded.")
			return nil
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	}

	if stats {
		if queryName == "" {
			return fmt.Errorf("--stats requires a query name")
		}
		st, err := store.QueryStats(ctx, queryName)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %d runs\n", queryName, st.NbRun)
		if st.NbRun > 0 {
			fmt.Printf("  duration: %ds min, %ds max\n", st.MinRun.Int64, st.MaxRun.Int64)
			fmt.Printf("  last run: %s\n", st.LastRun.String)
		}
		return nil
	}

	var recs []recordRow
	if queryName != "" {
		rs, err := store.LastRecords(ctx, queryName, limit)
		if err != nil {
			return err
		}
		recs = toRows(rs)
	} else {
		rs, err := store.LastExecutions(ctx, limit)
		if err != nil {
			return err
		}
		recs = toRows(rs)
	}

	if len(recs) == 0 {
		fmt.Println("No executions recorded.")
		return nil
	}
	fmt.Printf("%-20s %-24s %10s %8s  %s\n", "START", "QUERY", "ROWS", "SECONDS", "FILE")
	for _, r := range recs {
		fmt.Printf("%-20s %-24s %10d %8d  %s\n", r.start, r.query, r.rows, r.seconds, r.file)
	}
	return nil
}

type recordRow struct {
	start   string
	query   string
	rows    int64
	seconds int64
	file    string
}

func toRows(recs []model.ExecutionRecord) []recordRow {
	out := make([]recordRow, len(recs))
	for i, r := range recs {
		out[i] = recordRow{
			start:   r.Start,
			query:   r.Query,
			rows:    r.NbRows,
			seconds: r.DurationSeconds,
			file:    r.File,
		}
	}
	return out
}
