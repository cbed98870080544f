package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNew_ValidULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	a, err := New(now)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New(now)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(a) != 26 || !Valid(a) {
		t.Fatalf("expected 26-char ULID, got %q", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids for the same timestamp")
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{"01ARZ3NDEKTSV4RRFFQ69G5FAV", true},
		{"", false},
		{"not-a-ulid", false},
		{"01ARZ3NDEKTSV4RRFFQ69G5FA", false},
		{"01ARZ3NDEKTSV4RRFFQ69G5FAU!", false},
	}
	for _, tc := range cases {
		if got := Valid(tc.in); got != tc.want {
			t.Fatalf("Valid(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestProvider_CreatesOnceAndCaches(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	p := NewProvider(st, nil)

	ctx := context.Background()
	first, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := p.Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable id, got %q then %q", first, second)
	}

	// A second provider over the same store sees the persisted value.
	other, err := NewProvider(st, nil).Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if other != first {
		t.Fatalf("expected %q from store, got %q", first, other)
	}
}

func TestProvider_ConcurrentGet(t *testing.T) {
	t.Parallel()

	p := NewProvider(NewMemoryStore(), nil)

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := p.Get(context.Background())
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one id, got %q and %q", ids[0], id)
		}
	}
}

func TestProvider_NilStore(t *testing.T) {
	t.Parallel()

	_, err := NewProvider(nil, nil).Get(context.Background())
	if !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestMemoryStore_FirstCreateWins(t *testing.T) {
	t.Parallel()

	st := NewMemoryStore()
	ctx := context.Background()

	if _, err := st.Load(ctx); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	a, _ := New(time.Time{})
	b, _ := New(time.Time{})

	got, err := st.Create(ctx, a, time.Time{})
	if err != nil || got != a {
		t.Fatalf("create a: got %q, %v", got, err)
	}
	got, err = st.Create(ctx, b, time.Time{})
	if err != nil || got != a {
		t.Fatalf("create b: expected existing %q, got %q, %v", a, got, err)
	}

	if _, err := st.Create(ctx, "bogus", time.Time{}); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "device_id")
	ctx := context.Background()

	st1, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	id, err := NewProvider(st1, nil).Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	st2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	again, err := NewProvider(st2, nil).Get(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again != id {
		t.Fatalf("expected %q after reload, got %q", id, again)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	other, _ := New(time.Time{})
	got, err := st2.Create(ctx, other, time.Time{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got != id {
		t.Fatalf("expected existing %q, got %q", id, got)
	}
}

func TestFileStore_Corrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "device_id")
	if err := os.WriteFile(path, []byte("garbage\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	_, err = NewProvider(st, nil).Get(context.Background())
	if !IsCorrupt(err) {
		t.Fatalf("expected corrupt, got %v", err)
	}
	var opErr OpError
	if !errors.As(err, &opErr) || opErr.Op != "identity.FileStore.Load" {
		t.Fatalf("expected OpError from Load, got %#v", err)
	}
}

func TestNewFileStore_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewFileStore("  "); !IsInvalidInput(err) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewProvider(NewMemoryStore(), nil).Get(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
