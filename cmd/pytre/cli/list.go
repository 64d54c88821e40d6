package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pytredb/pytre/internal/convert"
	"github.com/pytredb/pytre/internal/query"
)

func newListCmd() *cobra.Command {
	var (
		serverID   string
		jsonOutput bool
		orphans    bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the queries available to you",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(serverID, jsonOutput, orphans)
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "Filter by server id (default: the default server)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&orphans, "orphans", false, "Show queries referencing unknown server ids")

	return cmd
}

func runList(serverID string, jsonOutput, showOrphans bool) error {
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

	if showOrphans {
		ids := make([]string, len(doc.Servers))
		for i, s := range doc.Servers {
			ids[i] = s.ID
		}
		orphans := cat.Orphans(ids)
		if len(orphans) == 0 {
			fmt.Println("No orphan queries.")
			return nil
		}
		for name, missing := range orphans {
			fmt.Printf("%-24s missing servers: %s\n", name, strings.Join(missing, ", "))
		}
		return nil
	}

	srv, err := resolveServer(doc, nil, serverID)
	if err != nil {
		return err
	}
	visible := cat.VisibleTo(user, srv.ID)

	type row struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Params      int    `json:"params"`
	}
	rows := make([]row, len(visible))
	for i, q := range visible {
		rows[i] = row{Name: q.Name, Description: q.Description, Params: len(q.Params)}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Printf("No queries available on server %s.\n", srv.ID)
	} else {
		fmt.Printf("%-24s %-8s %s\n", "NAME", "PARAMS", "DESCRIPTION")
		fmt.Printf("%-24s %-8s %s\n", "----", "------", "-----------")
		for _, r := range rows {
			fmt.Printf("%-24s %-8d %s\n", r.Name, r.Params, r.Description)
		}
	}

	if len(cat.Errors) > 0 {
		fmt.Printf("\n%d file(s) failed to load:\n", len(cat.Errors))
		for path, err := range cat.Errors {
			fmt.Printf("  %s: %v\n", path, err)
		}
	}
	return nil
}
