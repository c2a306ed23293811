// Package relstore is the relational ground truth for task rows.
package relstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNoRows is returned by FetchOne when the query matched nothing.
var ErrNoRows = errors.New("relstore: no rows")

// Statement is one parameterised write.
type Statement struct {
	Query string
	Args  []any
}

// Result is the per-statement outcome of a Batch.
type Result struct {
	RowsAffected int64
	Err          error
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Store is the relational collaborator. Placeholders use '?'.
type Store interface {
	// Run executes a single write and returns rows affected.
	Run(ctx context.Context, query string, args ...any) (int64, error)
	// FetchOne scans the first row into dest or returns ErrNoRows.
	FetchOne(ctx context.Context, query string, args []any, dest ...any) error
	// FetchAll calls fn once per row.
	FetchAll(ctx context.Context, query string, args []any, fn func(Scanner) error) error
	// Batch executes statements independently. A per-statement failure is
	// reported in its Result; the returned error is reserved for failures
	// of the batch as a whole.
	Batch(ctx context.Context, stmts []Statement) ([]Result, error)
	// Tx executes statements atomically.
	Tx(ctx context.Context, stmts []Statement) error
	Close() error
}

// SQL implements Store over database/sql.
type SQL struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// OpenSQLite opens a modernc sqlite database. SQLite serialises writers, so
// the pool is pinned to one connection.
func OpenSQLite(dsn string) (*SQL, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("relstore: sqlite dsn required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("relstore: ping sqlite: %w", err)
	}
	return New(db), nil
}

// DB exposes the underlying handle.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Run implements Store.
func (s *SQL) Run(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// FetchOne implements Store.
func (s *SQL) FetchOne(ctx context.Context, query string, args []any, dest ...any) error {
	err := s.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// FetchAll implements Store.
func (s *SQL) FetchAll(ctx context.Context, query string, args []any, fn func(Scanner) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Batch implements Store. Statements run on one dedicated connection; losing
// that connection aborts the batch.
func (s *SQL) Batch(ctx context.Context, stmts []Statement) ([]Result, error) {
	if len(stmts) == 0 {
		return nil, nil
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("relstore: batch conn: %w", err)
	}
	defer conn.Close()
	results := make([]Result, len(stmts))
	for i, stmt := range stmts {
		res, err := conn.ExecContext(ctx, stmt.Query, stmt.Args...)
		if err != nil {
			if batchFatal(ctx, err) {
				return nil, fmt.Errorf("relstore: batch aborted at statement %d: %w", i, err)
			}
			results[i].Err = err
			continue
		}
		results[i].RowsAffected, results[i].Err = res.RowsAffected()
	}
	return results, nil
}

func batchFatal(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}

// Tx implements Store.
func (s *SQL) Tx(ctx context.Context, stmts []Statement) error {
	if len(stmts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relstore: begin: %w", err)
	}
	for i, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt.Query, stmt.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("relstore: statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("relstore: commit: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQL) Close() error {
	return s.db.Close()
}
