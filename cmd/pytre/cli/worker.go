package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pytredb/pytre/internal/worker"
)

// newWorkerCmd is the hidden entry point the supervisor re-execs. It reads
// tasks on stdin and writes messages on stdout until stdin closes.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Short:  "Run as an execution worker process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return worker.Run(os.Stdin, os.Stdout, newLogger())
		},
	}
}
