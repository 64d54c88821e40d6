// Package connector opens read-only connections to target databases. Each
// supported engine lives in its own subpackage behind a shared interface.
package connector

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/pytredb/pytre/internal/model"
)

// Config carries everything needed to open one connection.
type Config struct {
	Server  model.Server
	AppName string // reported to the server, e.g. "pytre_1.4.0"
}

// Connector is implemented by each database engine subpackage.
type Connector interface {
	// Connect opens the connection pool. Fatal on failure.
	Connect(cfg Config) error

	// Setup applies per-session safety settings after connecting:
	// read-only transactions and the statement timeout.
	Setup(ctx context.Context) error

	Disconnect() error
	Ping(ctx context.Context) error
	DB() *sqlx.DB
	Kind() model.ServerKind
}
