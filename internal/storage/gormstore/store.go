package gormstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/routine"
	"github.com/lawyered0/cLawyer-sub000/internal/storage"
)

func init() {
	storage.Register(storage.DriverSQLite, OpenSQLite)
	storage.Register(storage.DriverPostgres, OpenPostgres)
}

const (
	defaultSQLitePath  = "clawyer.db"
	defaultJournalMode = "wal"
)

// Store implements storage.Store on a GORM connection.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger

	mu       sync.Mutex
	jobs     *jobStore
	events   *eventStore
	routines *routineStore
}

var _ storage.Store = (*Store)(nil)

// OpenSQLite opens (creating if needed) a SQLite database with WAL
// journaling, a busy timeout, and foreign keys on.
func OpenSQLite(cfg storage.Config, slogger *slog.Logger) (storage.Store, error) {
	path := cfg.SQLite.Path
	if path == "" {
		path = defaultSQLitePath
	}
	journal := cfg.SQLite.JournalMode
	if journal == "" {
		journal = defaultJournalMode
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path, journal)

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	return &Store{db: db, driver: storage.DriverSQLite, logger: slogger}, nil
}

// OpenPostgres opens a PostgreSQL connection with the configured pool
// limits.
func OpenPostgres(cfg storage.Config, slogger *slog.Logger) (storage.Store, error) {
	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), gormConfig(slogger))
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}
	if cfg.Postgres.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	}
	if cfg.Postgres.ConnMaxLifetimeS > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.Postgres.ConnMaxLifetimeS) * time.Second)
	}
	return &Store{db: db, driver: storage.DriverPostgres, logger: slogger}, nil
}

func gormConfig(slogger *slog.Logger) *gorm.Config {
	if slogger == nil {
		slogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &gorm.Config{
		Logger: logger.New(slogAdapter{slogger}, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// slogAdapter bridges GORM's printf-style logger onto slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Printf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&JobModel{}, &EventModel{}, &RoutineModel{})
}

func (s *Store) Jobs() job.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs == nil {
		s.jobs = &jobStore{db: s.db}
	}
	return s.jobs
}

func (s *Store) Events() event.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = &eventStore{db: s.db}
	}
	return s.events
}

func (s *Store) Routines() routine.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routines == nil {
		s.routines = &routineStore{db: s.db}
	}
	return s.routines
}

func (s *Store) Driver() string { return s.driver }

// Ping verifies the connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
