// Package storage defines the durable Store interface behind the job
// registry, the event pipeline, and the routine scheduler. Two
// backends implement it through shared GORM repositories: SQLite
// (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/routine"
)

// Store is the unified persistence interface. The sub-stores share the
// same underlying connection.
type Store interface {
	Jobs() job.Store
	Events() event.Store
	Routines() routine.Store

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns "sqlite" or "postgres".
	Driver() string
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DefaultDriver  = DriverSQLite
)

// Config selects and configures the backend.
type Config struct {
	Driver   string         `yaml:"driver" json:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite" json:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `yaml:"path" json:"path,omitempty"`
	JournalMode string `yaml:"journal_mode" json:"journal_mode"` // "wal" by default.
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `yaml:"dsn" json:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetimeS int    `yaml:"conn_max_lifetime_s" json:"conn_max_lifetime_s"`
}

// OpenFunc opens one backend. The gormstore package registers the
// implementations; this indirection keeps storage free of driver
// imports.
type OpenFunc func(cfg Config, logger *slog.Logger) (Store, error)

var backends = map[string]OpenFunc{}

// Register installs a backend under its driver name.
func Register(driver string, open OpenFunc) {
	backends[driver] = open
}

// Open creates the configured backend. An empty driver means the
// default.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	open, ok := backends[driver]
	if !ok {
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
	return open(cfg, logger)
}
