package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dstake/cmd/internal/registry/migrations"
	"dstake/cmd/internal/storage/sqlitemigrate"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists users in a local SQLite file so the registry survives restarts
// without a database server.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the SQLite database at path and applies migrations.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	const op = "registry.OpenSQLiteStore"
	if strings.TrimSpace(path) == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "storage path is required"}
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable(op, "open sqlite db", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(op, "ping sqlite db", err)
	}
	if err := sqlitemigrate.Apply(ctx, db, migrations.FS, "."); err != nil {
		_ = db.Close()
		return nil, unavailable(op, "run migrations", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle is usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return OpError{Op: "registry.SQLiteStore.Ping", Kind: ErrInvalidInput, Msg: "nil store"}
	}
	return s.db.PingContext(ctx)
}

// Put upserts u keyed by identity inside one transaction.
func (s *SQLiteStore) Put(ctx context.Context, u User) (bool, error) {
	const op = "registry.SQLiteStore.Put"
	if s == nil || s.db == nil {
		return false, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable(op, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE identity = ?`, u.Identity).Scan(&exists)
	replaced := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, unavailable(op, "lookup user", err)
	}

	now := time.Now().UTC().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (identity, account_id, balance, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   account_id = excluded.account_id,
		   balance    = excluded.balance,
		   updated_at = excluded.updated_at`,
		u.Identity, u.AccountID, strconv.FormatUint(u.Balance, 10), now, now,
	); err != nil {
		return false, unavailable(op, "upsert user", err)
	}

	if err := tx.Commit(); err != nil {
		return false, unavailable(op, "commit", err)
	}
	return replaced, nil
}

// List returns all users ordered by identity.
func (s *SQLiteStore) List(ctx context.Context) ([]User, error) {
	const op = "registry.SQLiteStore.List"
	if s == nil || s.db == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT identity, account_id, balance FROM users ORDER BY identity ASC`)
	if err != nil {
		return nil, unavailable(op, "query users", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]User, 0, 16)
	for rows.Next() {
		var (
			u   User
			bal string
		)
		if err := rows.Scan(&u.Identity, &u.AccountID, &bal); err != nil {
			return nil, unavailable(op, "scan user", err)
		}
		n, err := strconv.ParseUint(bal, 10, 64)
		if err != nil {
			return nil, unavailable(op, fmt.Sprintf("parse balance for %q", u.Identity), err)
		}
		u.Balance = n
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, "iterate users", err)
	}
	return out, nil
}

// Count returns the number of stored users.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	const op = "registry.SQLiteStore.Count"
	if s == nil || s.db == nil {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, unavailable(op, "count users", err)
	}
	return n, nil
}
