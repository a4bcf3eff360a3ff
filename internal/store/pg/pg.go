// Package pg persists the application's entities in PostgreSQL over a
// single *sql.DB. One Store implements the per-package store
// interfaces; constraint violations surface as the owning package's
// sentinel errors.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kassa.app/internal/audit"
	"kassa.app/internal/auth"
	"kassa.app/internal/billing"
	"kassa.app/internal/catalog"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the PostgreSQL-backed store for every entity.
type Store struct {
	db *sql.DB
}

var (
	_ auth.Store    = (*Store)(nil)
	_ audit.Store   = (*Store)(nil)
	_ catalog.Store = (*Store)(nil)
	_ billing.Store = (*Store)(nil)
)

// PoolConfig tunes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing connection. Tests use it with sqlmock.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Close closes the underlying pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw connection for components that run their own SQL
// (migrations, the signing-key service).
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the connection, for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
