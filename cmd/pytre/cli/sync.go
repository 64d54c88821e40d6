package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pytredb/pytre/internal/model"
	"github.com/pytredb/pytre/internal/worker"
)

func newSyncCmd() *cobra.Command {
	var serverID string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate your execution log into the shared central log",
		Long: `Export unexported rows of the local execution log as a JSON batch, acquire
the shared lease, and merge pending batches into the central store. Run
automatically after each extraction when logging is enabled; this command
forces an attempt.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(serverID)
		},
	}

	cmd.Flags().StringVar(&serverID, "server", "", "Server id to stamp on exported rows")
	return cmd
}

func runSync(serverID string) error {
	logger := newLogger()

	doc, err := loadDocument()
	if err != nil {
		return err
	}
	if doc.Settings.LogsFolder == "" {
		return fmt.Errorf("no logs_folder configured")
	}
	user := currentUser(doc)

	srv := model.Server{ID: serverID}
	if serverID == "" {
		if def, err := doc.DefaultServer(); err == nil {
			srv = def
		}
	}

	ident := worker.TaskIdentity(srv, user)
	if err := runCentralSync(userStorePath(), doc.Settings.LogsFolder, ident, logger); err != nil {
		return err
	}
	fmt.Println("Central log synchronized.")
	return nil
}
