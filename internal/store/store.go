// Package store provides SQLite-backed persistence for the coordinator:
// agents, tasks, shared context, file metadata, messages, sessions, and the
// audit trail. All writes go through the single-connection writer pool; reads
// use the read-only pool.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/hivemux/hivemux/internal/common/logger"
	"github.com/hivemux/hivemux/internal/db"
	"github.com/hivemux/hivemux/internal/models"
)

// Store provides coordination state storage operations.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	logger *logger.Logger
}

// New creates a store on top of an open pool and initializes the schema.
func New(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		db:     pool.Writer(),
		ro:     pool.Reader(),
		logger: log,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// storageErr tags a database failure with the storage error kind while
// keeping the driver error in the chain.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, err, models.ErrStorage)
}

// isUniqueViolation reports whether err is a SQLite unique or primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// inTx runs fn inside a write transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rollbackErr, err)
		}
		return err
	}
	return tx.Commit()
}
