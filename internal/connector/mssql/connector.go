// Package mssql implements connector.Connector for SQL Server targets.
package mssql

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/model"
)

// MSSQLConnector holds one read-only connection pool to a SQL Server.
type MSSQLConnector struct {
	db  *sqlx.DB
	cfg connector.Config
}

// New creates a new MSSQLConnector.
func New() connector.Connector {
	return &MSSQLConnector{}
}

// Connect opens the pool. Read-only intent, application name, and the dial
// and statement timeouts all travel in the DSN.
func (c *MSSQLConnector) Connect(cfg connector.Config) error {
	srv := cfg.Server

	q := url.Values{}
	q.Set("database", srv.Database)
	q.Set("app name", cfg.AppName)
	q.Set("ApplicationIntent", "ReadOnly")
	q.Set("dial timeout", strconv.Itoa(int(srv.LoginTimeoutOrDefault().Seconds())))
	q.Set("connection timeout", strconv.Itoa(int(srv.StatementTimeoutOrDefault().Seconds())))
	if srv.Charset != "" {
		q.Set("charset", srv.Charset)
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(srv.User, srv.Password),
		Host:     net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port)),
		RawQuery: q.Encode(),
	}

	db, err := sqlx.Connect("sqlserver", u.String())
	if err != nil {
		return fmt.Errorf("mssql connect: %w", err)
	}

	c.db = db
	c.cfg = cfg
	return nil
}

// Setup is a no-op for SQL Server: read-only intent and timeouts are part of
// the connection string.
func (c *MSSQLConnector) Setup(ctx context.Context) error { return nil }

// Disconnect closes the connection pool.
func (c *MSSQLConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (c *MSSQLConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB pool.
func (c *MSSQLConnector) DB() *sqlx.DB { return c.db }

// Kind returns the server kind handled by this connector.
func (c *MSSQLConnector) Kind() model.ServerKind { return model.KindMSSQL }
