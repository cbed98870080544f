package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps device identifiers in "<schema>"."device_identity", one row per key.
//
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	key    string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "nearby").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithKey selects the row used by this device (default "default"). Devices sharing one
// database need distinct keys.
func WithKey(key string) PostgresOption {
	return func(s *PostgresStore) error {
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("identity: empty key")
		}
		s.key = key
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "nearby",
		key:    "default",
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	table := pgIdent(s.schema, "device_identity")
	sql := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  key TEXT PRIMARY KEY,
  device_id TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_device_identity_ulid_len CHECK (char_length(device_id) = 26)
);
`, pgx.Identifier{s.schema}.Sanitize(), table)

	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("identity.EnsureSchema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (string, error) {
	const op = "identity.PostgresStore.Load"

	if s == nil || s.pool == nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}

	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT device_id FROM `+pgIdent(s.schema, "device_identity")+` WHERE key = $1`,
		s.key,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", OpError{Op: op, Kind: ErrNotFound, Msg: s.key}
		}
		return "", err
	}
	return id, nil
}

// Create inserts id for the store key; an existing row wins and is returned.
func (s *PostgresStore) Create(ctx context.Context, id string, now time.Time) (string, error) {
	const op = "identity.PostgresStore.Create"

	if s == nil || s.pool == nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}
	if !Valid(id) {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "id must be a ULID"}
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var stored string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "device_identity")+` (key, device_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET key = EXCLUDED.key
		 RETURNING device_id`,
		s.key, id, now,
	).Scan(&stored)
	if err != nil {
		return "", err
	}
	return stored, nil
}

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}
