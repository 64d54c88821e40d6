// Package sqlite implements connector.Connector for local SQLite files.
// It exists mostly for tests and offline extracts.
package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/model"
)

// SQLiteConnector holds one connection to a SQLite database file. The
// server's Database field is the file path.
type SQLiteConnector struct {
	db  *sqlx.DB
	cfg connector.Config
}

// New creates a new SQLiteConnector.
func New() connector.Connector {
	return &SQLiteConnector{}
}

// Connect opens the database file.
func (c *SQLiteConnector) Connect(cfg connector.Config) error {
	db, err := sqlx.Connect("sqlite", cfg.Server.Database)
	if err != nil {
		return fmt.Errorf("sqlite connect: %w", err)
	}
	db.SetMaxOpenConns(1)

	c.db = db
	c.cfg = cfg
	return nil
}

// Setup makes the connection read-only.
func (c *SQLiteConnector) Setup(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return fmt.Errorf("sqlite set query_only: %w", err)
	}
	return nil
}

// Disconnect closes the database.
func (c *SQLiteConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (c *SQLiteConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB.
func (c *SQLiteConnector) DB() *sqlx.DB { return c.db }

// Kind returns the server kind handled by this connector.
func (c *SQLiteConnector) Kind() model.ServerKind { return model.KindSQLite }
