package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/pytredb/pytre/internal/config"
	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/model"
	"github.com/pytredb/pytre/internal/worker"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage configured database servers",
	}

	cmd.AddCommand(newServerListCmd())
	cmd.AddCommand(newServerAddCmd())
	cmd.AddCommand(newServerPingCmd())

	return cmd
}

// ---------- server list ----------

func newServerListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

func runServerList(jsonOutput bool) error {
	doc, err := loadDocument()
	if err != nil {
		return err
	}

	type row struct {
		ID          string `json:"id"`
		Kind        string `json:"kind"`
		Host        string `json:"host"`
		Database    string `json:"database"`
		Description string `json:"description"`
	}
	rows := make([]row, len(doc.Servers))
	for i, s := range doc.Servers {
		rows[i] = row{
			ID: s.ID, Kind: string(s.Kind), Host: s.Host,
			Database: s.Database, Description: s.Description,
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Println("No servers configured. Use 'pytre server add' to add one.")
		return nil
	}
	fmt.Printf("%-16s %-10s %-24s %-20s %s\n", "ID", "KIND", "HOST", "DATABASE", "DESCRIPTION")
	fmt.Printf("%-16s %-10s %-24s %-20s %s\n", "--", "----", "----", "--------", "-----------")
	for _, r := range rows {
		fmt.Printf("%-16s %-10s %-24s %-20s %s\n", r.ID, r.Kind, r.Host, r.Database, r.Description)
	}
	return nil
}

// ---------- server add ----------

func newServerAddCmd() *cobra.Command {
	var srv model.Server
	var kind string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a server to the configuration document",
		Long:  "Append a server entry to the YAML configuration. The password is prompted, never passed on the command line.",
		Example: `  pytre server add prod --kind mssql --host sql01.corp --port 1433 --database sales --db-user reader
  pytre server add local --kind sqlite --database /data/local.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv.ID = args[0]
			srv.Kind = model.ServerKind(kind)
			return runServerAdd(srv)
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "mssql", "Server kind: mssql, postgres, mysql or sqlite")
	cmd.Flags().StringVar(&srv.Description, "description", "", "Human-readable description")
	cmd.Flags().StringVar(&srv.Host, "host", "", "Server host")
	cmd.Flags().IntVar(&srv.Port, "port", 0, "Server port")
	cmd.Flags().StringVar(&srv.Database, "database", "", "Database name (file path for sqlite)")
	cmd.Flags().StringVar(&srv.User, "db-user", "", "Database login")
	cmd.Flags().IntVar(&srv.LoginTimeout, "login-timeout", 0, "Login timeout in seconds")
	cmd.Flags().IntVar(&srv.StatementTimeout, "statement-timeout", 0, "Statement timeout in seconds")

	return cmd
}

func runServerAdd(srv model.Server) error {
	if err := srv.Validate(); err != nil {
		return err
	}

	if srv.User != "" {
		fmt.Printf("Password for %s@%s: ", srv.User, srv.ID)
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		srv.Password = string(pw)
	}

	path := configPath()
	doc := &config.Document{}
	if data, err := os.ReadFile(path); err == nil {
		doc, err = config.Parse(data)
		if err != nil {
			return err
		}
	}

	if _, err := doc.Server(srv.ID); err == nil {
		return fmt.Errorf("server %q already configured", srv.ID)
	}
	doc.Servers = append(doc.Servers, srv)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Server %q added to %s\n", srv.ID, path)
	return nil
}

// ---------- server ping ----------

func newServerPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping <id>",
		Short: "Check connectivity to a configured server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServerPing(args[0])
		},
	}
	return cmd
}

func runServerPing(id string) error {
	doc, err := loadDocument()
	if err != nil {
		return err
	}
	srv, err := doc.Server(id)
	if err != nil {
		return err
	}

	reg := worker.NewRegistry()
	conn, err := reg.Open(connector.Config{Server: srv, AppName: "pytre_" + versionString()})
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), srv.LoginTimeoutOrDefault())
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", srv.ID, err)
	}
	fmt.Printf("Server %s is reachable.\n", srv.ID)
	return nil
}
