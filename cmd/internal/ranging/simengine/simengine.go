// Package simengine is a software ranging engine. It produces random discovery tokens and,
// once bound to a peer token, emits a slowly drifting distance with an occasional direction.
//
// It stands in for platform ranging hardware in the demo binary and in end-to-end tests.
package simengine

import (
	"crypto/rand"
	"math"
	mrand "math/rand"
	"sync"
	"time"

	"nearby/cmd/internal/ranging"
)

const (
	defaultUpdateEvery = 200 * time.Millisecond
	tokenBytes         = 32
)

// Options configures the simulated engine.
type Options struct {
	// UpdateEvery is the interval between distance updates while running.
	UpdateEvery time.Duration

	// TokenDelay postpones the local token. Zero makes it available immediately.
	TokenDelay time.Duration

	// StartDistance is the initial simulated distance in meters.
	StartDistance float64

	// Directional makes every update carry a direction vector.
	Directional bool

	// Unsupported makes Supported report false.
	Unsupported bool
}

// Engine is the simulated ranging engine.
type Engine struct {
	opts Options

	mu       sync.Mutex
	sessions []*Handle
}

// New constructs a simulated Engine.
func New(opts Options) *Engine {
	if opts.UpdateEvery <= 0 {
		opts.UpdateEvery = defaultUpdateEvery
	}
	if opts.StartDistance <= 0 {
		opts.StartDistance = 1.5
	}
	return &Engine{opts: opts}
}

// Supported implements ranging.Engine.
func (e *Engine) Supported() bool { return !e.opts.Unsupported }

// NewSession implements ranging.Engine.
func (e *Engine) NewSession(sink func(ranging.Event)) (ranging.Handle, error) {
	if e.opts.Unsupported {
		return nil, ranging.ErrEngineUnavailable
	}

	tok := make(ranging.Token, tokenBytes)
	if _, err := rand.Read(tok); err != nil {
		return nil, err
	}

	h := &Handle{
		opts:     e.opts,
		sink:     sink,
		token:    tok,
		distance: e.opts.StartDistance,
		done:     make(chan struct{}),
		rng:      mrand.New(mrand.NewSource(time.Now().UnixNano())),
	}
	if e.opts.TokenDelay <= 0 {
		h.ready = true
	} else {
		time.AfterFunc(e.opts.TokenDelay, h.markReady)
	}

	e.mu.Lock()
	e.sessions = append(e.sessions, h)
	e.mu.Unlock()
	return h, nil
}

// Latest returns the most recently created handle, or nil.
func (e *Engine) Latest() *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sessions) == 0 {
		return nil
	}
	return e.sessions[len(e.sessions)-1]
}

// Handle is one simulated engine instance.
type Handle struct {
	opts Options
	sink func(ranging.Event)

	mu        sync.Mutex
	token     ranging.Token
	ready     bool
	peer      ranging.Token
	running   bool
	suspended bool
	distance  float64
	rng       *mrand.Rand

	done      chan struct{}
	closeOnce sync.Once
}

// LocalToken implements ranging.Handle.
func (h *Handle) LocalToken() ranging.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return nil
	}
	return h.token.Clone()
}

// Run implements ranging.Handle.
func (h *Handle) Run(peer ranging.Token) error {
	select {
	case <-h.done:
		return ranging.ErrNoSession
	default:
	}

	h.mu.Lock()
	h.peer = peer.Clone()
	start := !h.running
	h.running = true
	h.mu.Unlock()

	if start {
		go h.loop()
	}
	return nil
}

// Invalidate implements ranging.Handle.
func (h *Handle) Invalidate() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Suspend simulates a platform-level pause.
func (h *Handle) Suspend() {
	h.mu.Lock()
	h.suspended = true
	h.mu.Unlock()
	h.send(ranging.Event{Kind: ranging.EventSuspended})
}

// Resume ends a simulated pause.
func (h *Handle) Resume() {
	h.mu.Lock()
	h.suspended = false
	h.mu.Unlock()
	h.send(ranging.Event{Kind: ranging.EventResumed})
}

// Fail simulates a fatal engine error.
func (h *Handle) Fail(reason string) {
	h.send(ranging.Event{Kind: ranging.EventInvalidated, Reason: reason})
	h.Invalidate()
}

// PeerToken returns the token the handle was last run with.
func (h *Handle) PeerToken() ranging.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer.Clone()
}

func (h *Handle) markReady() {
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	h.send(ranging.Event{Kind: ranging.EventTokenReady})
}

func (h *Handle) send(ev ranging.Event) {
	select {
	case <-h.done:
		return
	default:
	}
	if h.sink != nil {
		h.sink(ev)
	}
}

func (h *Handle) loop() {
	t := time.NewTicker(h.opts.UpdateEvery)
	defer t.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			ev, ok := h.step()
			if ok {
				h.send(ev)
			}
		}
	}
}

func (h *Handle) step() (ranging.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.suspended {
		return ranging.Event{}, false
	}

	h.distance = math.Max(0.05, h.distance+(h.rng.Float64()-0.5)*0.2)
	ev := ranging.Event{Kind: ranging.EventUpdated, Distance: h.distance}

	if h.opts.Directional || h.rng.Intn(3) == 0 {
		x := h.rng.Float64()*2 - 1
		ev.Direction = &ranging.Vector{X: x, Y: 0, Z: -math.Sqrt(1 - x*x)}
	}
	return ev, true
}
