// Package mysql implements connector.Connector for MySQL targets.
package mysql

import (
	"context"
	"fmt"
	"net"
	"strconv"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/pytredb/pytre/internal/connector"
	"github.com/pytredb/pytre/internal/model"
)

// MySQLConnector holds one read-only connection pool to a MySQL server.
type MySQLConnector struct {
	db  *sqlx.DB
	cfg connector.Config
}

// New creates a new MySQLConnector.
func New() connector.Connector {
	return &MySQLConnector{}
}

// Connect opens the pool. The DSN is built through the driver's own Config
// type so that credentials never need manual escaping.
func (c *MySQLConnector) Connect(cfg connector.Config) error {
	srv := cfg.Server

	dc := mysqldriver.NewConfig()
	dc.User = srv.User
	dc.Passwd = srv.Password
	dc.Net = "tcp"
	dc.Addr = net.JoinHostPort(srv.Host, strconv.Itoa(srv.Port))
	dc.DBName = srv.Database
	dc.Timeout = srv.LoginTimeoutOrDefault()
	dc.ReadTimeout = srv.StatementTimeoutOrDefault()
	dc.ParseTime = true
	if srv.Charset != "" {
		dc.Params = map[string]string{"charset": srv.Charset}
	}

	db, err := sqlx.Connect("mysql", dc.FormatDSN())
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}

	c.db = db
	c.cfg = cfg
	return nil
}

// Setup puts the session in read-only mode.
func (c *MySQLConnector) Setup(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, "SET SESSION transaction_read_only = 1"); err != nil {
		return fmt.Errorf("mysql set read only: %w", err)
	}
	return nil
}

// Disconnect closes the connection pool.
func (c *MySQLConnector) Disconnect() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Ping verifies the connection is alive.
func (c *MySQLConnector) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sqlx.DB pool.
func (c *MySQLConnector) DB() *sqlx.DB { return c.db }

// Kind returns the server kind handled by this connector.
func (c *MySQLConnector) Kind() model.ServerKind { return model.KindMySQL }
