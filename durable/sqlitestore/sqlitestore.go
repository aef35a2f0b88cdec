// Package sqlitestore provides a durable.Store backed by a single-table
// SQLite database. WAL mode keeps readers unblocked during the flush
// transaction; a single connection avoids SQLITE_BUSY on the writer side.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/INLOpen/nexussync/durable"
	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

// Store is a SQLite-backed durable.Store.
type Store struct {
	db *sql.DB
}

var _ durable.Store = (*Store)(nil)

// Open creates or opens a SQLite database at the given path and applies the
// required pragmas and schema. Idempotent.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: connect: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("sqlitestore: execute %q: %w", pragma, err)
		}
	}
	return nil
}

// View runs fn inside a read-only SQL transaction.
func (s *Store) View(ctx context.Context, fn func(tx durable.Tx) error) error {
	return s.run(ctx, true, fn)
}

// Update runs fn inside a writable SQL transaction; an error from fn rolls
// the transaction back and is returned unchanged.
func (s *Store) Update(ctx context.Context, fn func(tx durable.Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(tx durable.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: sqlTx, writable: !readOnly}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (tx *sqliteTx) Get(key string) (string, bool, error) {
	var v string
	err := tx.tx.QueryRowContext(tx.ctx, "SELECT v FROM kv WHERE k = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlitestore: get %q: %w", key, err)
	}
	return v, true, nil
}

func (tx *sqliteTx) Put(key, value string) error {
	if !tx.writable {
		return fmt.Errorf("sqlitestore: transaction is read-only")
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v", key, value)
	if err != nil {
		return fmt.Errorf("sqlitestore: put %q: %w", key, err)
	}
	return nil
}

func (tx *sqliteTx) Delete(key string) error {
	if !tx.writable {
		return fmt.Errorf("sqlitestore: transaction is read-only")
	}
	if _, err := tx.tx.ExecContext(tx.ctx, "DELETE FROM kv WHERE k = ?", key); err != nil {
		return fmt.Errorf("sqlitestore: delete %q: %w", key, err)
	}
	return nil
}

func (tx *sqliteTx) ForEach(fn func(key, value string) error) error {
	rows, err := tx.tx.QueryContext(tx.ctx, "SELECT k, v FROM kv ORDER BY k")
	if err != nil {
		return fmt.Errorf("sqlitestore: scan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("sqlitestore: scan row: %w", err)
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}
