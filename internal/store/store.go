package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tether/internal/querysql"
	"github.com/roach88/tether/internal/registry"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no system tables
// 1 - mutation_events, mutation_sync_metadata, model_sync_metadata, model_layouts
const currentSchemaVersion = 1

// Store is the local relational store.
type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB

	compiler *querysql.Compiler
	logger   *slog.Logger
	reg      atomic.Pointer[registry.Registry]

	// writeSem is held from the start of a write transaction until its
	// after-commit hooks return.
	writeSem chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithMaxPredicates sets the leaf predicate limit of compiled queries.
func WithMaxPredicates(n int) Option {
	return func(s *Store) {
		s.compiler = querysql.NewCompiler(n)
	}
}

// WithLogger sets the logger used for migrations and ignored errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the system schema automatically.
//
// The writer pool is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Model tables are not created until SetUp is called.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		compiler: querysql.NewCompiler(querysql.DefaultMaxPredicates),
		logger:   slog.Default(),
		writeSem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	writer, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	if err := applyPragmas(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(writer); err != nil {
		writer.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s.writer = writer

	if inMemory(path) {
		// A second pool would open a different in-memory database.
		s.reader = writer
		return s, nil
	}

	reader, err := sql.Open("sqlite3", readerDSN(path))
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("connect read pool: %w", err)
	}
	s.reader = reader
	return s, nil
}

// Close closes both pools.
func (s *Store) Close() error {
	var firstErr error
	if s.reader != nil && s.reader != s.writer {
		firstErr = s.reader.Close()
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Registry returns the registry the store was set up with, or nil.
func (s *Store) Registry() *registry.Registry {
	return s.reg.Load()
}

func inMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// readerDSN opens connections that reject writes. go-sqlite3 applies the
// underscore parameters itself on every new connection.
func readerDSN(path string) string {
	return path + "?_query_only=1&_busy_timeout=5000"
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates system tables if they don't exist and records the
// schema version. This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// querier is the subset of *sql.DB, *sql.Conn and *sql.Tx the record and
// metadata operations need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
