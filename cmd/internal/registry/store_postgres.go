package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Identity and account id are BYTEA: TEXT rejects NUL and invalid UTF-8, and any Go
// string must round-trip. Balances are NUMERIC(20,0) so the full uint64 range fits;
// values cross the wire as decimal text to avoid int64 truncation in the driver.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "dstake").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("registry: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("registry: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "dstake",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, OpError{Op: "registry.NewPostgresStore", Kind: ErrInvalidInput, Msg: "nil pool"}
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and users table if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return OpError{Op: "registry.PostgresStore.EnsureSchema", Kind: ErrInvalidInput, Msg: "nil store"}
	}

	users := pgIdent(s.schema, "users")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  identity   BYTEA PRIMARY KEY,
  account_id BYTEA NOT NULL,
  balance    NUMERIC(20,0) NOT NULL CHECK (balance >= 0),
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, pgx.Identifier{s.schema}.Sanitize(), users)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return unavailable("registry.PostgresStore.EnsureSchema", "apply ddl", err)
	}
	return nil
}

// Put upserts u keyed by identity. replaced is false when the row was inserted.
func (s *PostgresStore) Put(ctx context.Context, u User) (bool, error) {
	const op = "registry.PostgresStore.Put"
	if s == nil || s.pool == nil {
		return false, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	users := pgIdent(s.schema, "users")

	// xmax is 0 only for freshly inserted tuples; an ON CONFLICT update sets it.
	var inserted bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+users+` (identity, account_id, balance)
		 VALUES ($1, $2, CAST($3::text AS NUMERIC(20,0)))
		 ON CONFLICT (identity) DO UPDATE
		    SET account_id = EXCLUDED.account_id,
		        balance    = EXCLUDED.balance,
		        updated_at = now()
		 RETURNING (xmax = 0)`,
		[]byte(u.Identity), []byte(u.AccountID), strconv.FormatUint(u.Balance, 10),
	).Scan(&inserted)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, unavailable(op, "upsert user", err)
	}
	return !inserted, nil
}

// List returns all users ordered by identity.
func (s *PostgresStore) List(ctx context.Context) ([]User, error) {
	const op = "registry.PostgresStore.List"
	if s == nil || s.pool == nil {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT identity, account_id, balance::text
		   FROM `+pgIdent(s.schema, "users")+`
		  ORDER BY identity ASC`,
	)
	if err != nil {
		return nil, unavailable(op, "query users", err)
	}
	defer rows.Close()

	out := make([]User, 0, 16)
	for rows.Next() {
		var (
			identity, accountID []byte
			bal                 string
		)
		if err := rows.Scan(&identity, &accountID, &bal); err != nil {
			return nil, unavailable(op, "scan user", err)
		}
		n, err := strconv.ParseUint(bal, 10, 64)
		if err != nil {
			return nil, unavailable(op, "parse balance", err)
		}
		out = append(out, User{
			Identity:  string(identity),
			AccountID: string(accountID),
			Balance:   n,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, "iterate users", err)
	}
	return out, nil
}

// Count returns the number of stored users.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	const op = "registry.PostgresStore.Count"
	if s == nil || s.pool == nil {
		return 0, OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+pgIdent(s.schema, "users")).Scan(&n); err != nil {
		return 0, unavailable(op, "count users", err)
	}
	return n, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
