// Package db opens and pools the SQLite connections backing the
// coordination store.
package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// With WAL mode enabled, SQLite supports many concurrent readers alongside a
// single writer. The writer pool is capped at one connection so writes
// serialize in the driver instead of failing with SQLITE_BUSY; the reader
// pool opens multiple read-only connections that see consistent WAL
// snapshots.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open opens the writer and reader pools for the database at path.
func Open(path string, busyTimeoutMs int) (*Pool, error) {
	writer, err := OpenSQLite(path, busyTimeoutMs)
	if err != nil {
		return nil, err
	}
	reader, err := OpenSQLiteReader(path, busyTimeoutMs)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return &Pool{writer: writer, reader: reader}, nil
}

// NewPool creates a Pool from already-open writer and reader connections.
// Tests use this to share a single handle.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE, and
// transactions. Limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same handle.
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
