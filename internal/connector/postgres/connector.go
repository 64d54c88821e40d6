// Package postgres implements connector.Connector for PostgreSQL targets.
package postgres

import (
	"context"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/model"
)

// PostgresConnector holds one read-only connection pool to a PostgreSQL server.
type PostgresConnector struct {
	db  *sqlx.DB
	cfg connector.Config
}

// New creates a new PostgresConnector.
func New() connector.Connector {
	return &PostgresConnector{}
}

// Connect opens the pool using a keyword/value DSN.
func (c *PostgresConnector) Connect(cfg connector.Config) error {
	srv := cfg.Server

	parts := []string{
		fmt.Sprintf("host=%s", srv.Host),
		fmt.Sprintf("port=%d", srv.Port),
		fmt.Sprintf("dbname=%s", srv.Database),
		fmt.Sprintf("user=%s", srv.User),
		fmt.Sprintf("password=%s", srv.Password),
		fmt.Sprintf("connect_timeout=%d", int(srv.LoginTimeoutOrDefault().Seconds())),
		fmt.Sprintf("application_name=%s", cfg.AppName),
	}
	if srv.Charset != "" {
		parts = append(parts, fmt.Sprintf("client_encoding=%s", srv.Charset))
	}

	db, err := sqlx.Connect("pgx", strings.Join(parts, " "))
	if err != nil {
		return fmt.Errorf("postgres connect: %w", err)
	}

	c.db = db
	c.cfg = cfg
	return nil
}

// Setup puts the session in read-only mode and applies the statement timeout.
func (c *PostgresConnector) Setup(ctx context.Context) error {
	timeoutMs := c.cfg.Server.StatementTimeoutOrDefault().Milliseconds()
	if _, err := c.db.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMs)); err != nil {
		return fmt.Errorf("postgres set statement_timeout: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, "SET default_transaction_read_only = on"); err != nil {
		return fmt.Errorf("postgres set read only: %w", err)
	}
	return nil
}

// Disconnect closes the connection pool.
func (c *PostgresConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (c *PostgresConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB pool.
func (c *PostgresConnector) DB() *sqlx.DB { return c.db }

// Kind returns the server kind handled by this connector.
func (c *PostgresConnector) Kind() model.ServerKind { return model.KindPostgres }
