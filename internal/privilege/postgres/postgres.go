// Package postgres provides a PostgreSQL-backed privilege store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/privilege"
)

const schema = `CREATE TABLE IF NOT EXISTS privileges (
	username   TEXT PRIMARY KEY,
	level      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store is a PostgreSQL privilege store.
type Store struct {
	db *sql.DB
}

// New opens the database, checks connectivity and creates the table if
// needed.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewWithDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the privileges table.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate privileges: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Lookup(ctx context.Context, username string) (privilege.Level, error) {
	var level string
	err := s.db.QueryRowContext(ctx,
		`SELECT level FROM privileges WHERE username = $1`, username).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fserr.E("lookup_privilege", username, fserr.NotFound, "unknown user")
	}
	if err != nil {
		return 0, fmt.Errorf("query privilege: %w", err)
	}
	l, err := privilege.ParseLevel(level)
	if err != nil {
		return 0, fserr.Wrap("lookup_privilege", username, fserr.InvalidData, err)
	}
	return l, nil
}

func (s *Store) Set(ctx context.Context, username string, level privilege.Level) error {
	if !level.Valid() {
		return fserr.E("set_privilege", username, fserr.InvalidInput, "invalid level")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO privileges (username, level, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (username) DO UPDATE SET level = EXCLUDED.level, updated_at = now()`,
		username, level.String())
	if err != nil {
		return fmt.Errorf("upsert privilege: %w", err)
	}
	return nil
}
