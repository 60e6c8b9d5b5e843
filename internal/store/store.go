package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Store provides access to the PostgreSQL database for agent outputs,
// approvals, briefings, activity rows, schedules and the read-only
// user/job tables owned by the web backend.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}
