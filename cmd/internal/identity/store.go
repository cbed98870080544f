package identity

import (
	"context"
	"sync"
	"time"
)

// Store persists the device identifier.
type Store interface {
	// Load returns the stored identifier or ErrNotFound.
	Load(ctx context.Context) (string, error)

	// Create stores id unless an identifier already exists, and returns the stored one.
	Create(ctx context.Context, id string, now time.Time) (string, error)
}

// Provider hands out the device identifier, creating it on first use.
type Provider struct {
	store Store
	now   func() time.Time

	mu sync.Mutex
	id string
}

// NewProvider wraps store. now may be nil.
func NewProvider(store Store, now func() time.Time) *Provider {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Provider{store: store, now: now}
}

// Get returns the device identifier. It is stable across calls and across processes sharing the store.
func (p *Provider) Get(ctx context.Context) (string, error) {
	const op = "identity.Get"

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.id != "" {
		return p.id, nil
	}
	if p.store == nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil store"}
	}

	id, err := p.store.Load(ctx)
	switch {
	case err == nil:
	case IsNotFound(err):
		fresh, nerr := New(p.now())
		if nerr != nil {
			return "", nerr
		}
		id, err = p.store.Create(ctx, fresh, p.now())
		if err != nil {
			return "", err
		}
	default:
		return "", err
	}

	if !Valid(id) {
		return "", OpError{Op: op, Kind: ErrCorrupt, Msg: "stored identifier is not a ULID"}
	}
	p.id = id
	return id, nil
}

// MemoryStore keeps the identifier for the life of the process.
type MemoryStore struct {
	mu sync.Mutex
	id string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Load(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return "", OpError{Op: "identity.MemoryStore.Load", Kind: ErrNotFound}
	}
	return s.id, nil
}

func (s *MemoryStore) Create(ctx context.Context, id string, _ time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !Valid(id) {
		return "", OpError{Op: "identity.MemoryStore.Create", Kind: ErrInvalidInput, Msg: "id must be a ULID"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		s.id = id
	}
	return s.id, nil
}
