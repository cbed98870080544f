package identity

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are opt-in and require NEARBY_DATABASE_URL.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestPostgresStore_CreateOnceAndLoad(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustTestSchemaName(t)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	st, err := NewPostgresStore(pool, WithSchema(schema), WithKey("alice"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// Idempotent.
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema again: %v", err)
	}

	if _, err := st.Load(ctx); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	id, err := NewProvider(st, nil).Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	other, _ := New(time.Time{})
	got, err := st.Create(ctx, other, time.Now().UTC())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got != id {
		t.Fatalf("expected existing %q, got %q", id, got)
	}

	// A different key is a different device.
	st2, err := NewPostgresStore(pool, WithSchema(schema), WithKey("bob"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	bob, err := NewProvider(st2, nil).Get(ctx)
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	if bob == id {
		t.Fatalf("expected distinct ids per key")
	}
}

func TestNewPostgresStore_Options(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
	if _, err := NewPostgresStore(nil, WithSchema("bad-schema;")); err == nil {
		t.Fatalf("expected error for invalid schema")
	}
	if _, err := NewPostgresStore(nil, WithKey(" ")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("NEARBY_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: NEARBY_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse NEARBY_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (NEARBY_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustTestSchemaName(t *testing.T) string {
	t.Helper()

	id, err := New(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return "nearby_it_" + strings.ToLower(id)
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host")
}
