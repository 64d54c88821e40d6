package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pytredb/pytre/internal/config"
)

type buildInfo struct {
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	Built         string `json:"built"`
	Go            string `json:"go"`
	Platform      string `json:"platform"`
	MinAppVersion string `json:"min_app_version,omitempty"`
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo{
				Version:  version,
				Commit:   commit,
				Built:    date,
				Go:       runtime.Version(),
				Platform: runtime.GOOS + "/" + runtime.GOARCH,
			}
			// Best effort: surface what the settings document demands, so a
			// startup version refusal can be diagnosed from here.
			if doc, err := config.Load(configPath()); err == nil {
				info.MinAppVersion = doc.Settings.MinAppVersion
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pytre %s (%s, built %s, %s %s)\n",
				info.Version, info.Commit, info.Built, info.Go, info.Platform)
			if info.MinAppVersion != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "settings require app version >= %s\n", info.MinAppVersion)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	return cmd
}
