package model

import (
	"fmt"
	"time"
)

// ServerKind identifies the database engine behind a server entry.
type ServerKind string

const (
	KindMSSQL    ServerKind = "mssql"
	KindPostgres ServerKind = "postgres"
	KindMySQL    ServerKind = "mysql"
	KindSQLite   ServerKind = "sqlite"
)

// Server is a connection descriptor for one target database. It is read-only
// at execution time; the credential store owns its lifecycle.
type Server struct {
	ID               string     `yaml:"id" json:"id"`
	Description      string     `yaml:"description" json:"description"`
	Kind             ServerKind `yaml:"kind" json:"kind"`
	Host             string     `yaml:"host" json:"host"`
	Port             int        `yaml:"port" json:"port"`
	Database         string     `yaml:"database" json:"database"`
	User             string     `yaml:"user" json:"user"`
	Password         string     `yaml:"password" json:"password"`
	LoginTimeout     int        `yaml:"login_timeout" json:"login_timeout"`         // seconds
	StatementTimeout int        `yaml:"statement_timeout" json:"statement_timeout"` // seconds
	Charset          string     `yaml:"charset" json:"charset"`
	AllowedGroups    []string   `yaml:"grp_authorized" json:"grp_authorized"`
}

// Validate checks that the descriptor is complete enough to connect.
func (s Server) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("server: missing id")
	}
	switch s.Kind {
	case KindMSSQL, KindPostgres, KindMySQL, KindSQLite:
	default:
		return fmt.Errorf("server %s: unsupported kind %q", s.ID, s.Kind)
	}
	if s.Kind != KindSQLite && s.Host == "" {
		return fmt.Errorf("server %s: missing host", s.ID)
	}
	return nil
}

// LoginTimeoutOrDefault returns the configured login timeout, defaulting to 15s.
func (s Server) LoginTimeoutOrDefault() time.Duration {
	if s.LoginTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(s.LoginTimeout) * time.Second
}

// StatementTimeoutOrDefault returns the configured statement timeout,
// defaulting to 5 minutes.
func (s Server) StatementTimeoutOrDefault() time.Duration {
	if s.StatementTimeout <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.StatementTimeout) * time.Second
}
