package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	dataDir    string
	userName   string
	appVersion string // set in Execute, checked against min_app_version
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pytre",
		Short: "Parameterized SQL extraction for end users",
		Long: `Pytre runs annotated .sql queries against configured read-only database
servers and streams the results to CSV files.

Queries live as .sql files in a shared folder; each declares typed parameters
with defaults, validation, and authorization groups. Every execution is logged
locally and replicated to a shared central log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./pytre.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "local data directory (default: ~/.pytre)")
	cmd.PersistentFlags().StringVar(&userName, "user", "", "run as this configured user (default: OS login)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("pytre")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.pytre")
	}

	viper.SetEnvPrefix("PYTRE")
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
