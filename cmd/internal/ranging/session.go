// Package ranging owns the lifecycle of the proximity ranging engine.
//
// A Session wraps at most one engine Handle at a time and walks it through
//
//	Idle -> Starting -> ActiveUnbound -> ActiveBound <-> Suspended
//	any  -> Invalidated -> Starting (replacement instance)
//
// An invalidated instance is released and never reused; its late events are recognised by
// their generation and ignored.
//
// Session is not safe for concurrent use. It is owned by one coordinator goroutine.
package ranging

import (
	"fmt"
	"io"
	"log/slog"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	StateIdle State = iota
	StateStarting
	StateActiveUnbound
	StateActiveBound
	StateSuspended
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActiveUnbound:
		return "active_unbound"
	case StateActiveBound:
		return "active_bound"
	case StateSuspended:
		return "suspended"
	case StateInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Session is the ranging session state machine.
type Session struct {
	log    *slog.Logger
	engine Engine
	emit   func(Event)

	state         State
	suspendedFrom State
	gen           uint64
	handle        Handle

	local Token
	bound Token

	// peer is the last known peer token; reused when resuming from suspension.
	peer Token
}

// NewSession constructs an idle Session. emit receives every engine event stamped with the
// generation of the instance that produced it.
func NewSession(log *slog.Logger, engine Engine, emit func(Event)) (*Session, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if engine == nil || !engine.Supported() {
		return nil, ErrEngineUnavailable
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Session{log: log, engine: engine, emit: emit, state: StateIdle}, nil
}

func (s *Session) State() State        { return s.state }
func (s *Session) Generation() uint64  { return s.gen }
func (s *Session) LocalToken() Token   { return s.local.Clone() }
func (s *Session) BoundToken() Token   { return s.bound.Clone() }
func (s *Session) PeerToken() Token    { return s.peer.Clone() }
func (s *Session) HasLocalToken() bool { return len(s.local) > 0 }

// Current reports whether an event of generation gen belongs to the live instance.
func (s *Session) Current(gen uint64) bool {
	return s.handle != nil && gen == s.gen
}

// Start creates a new engine instance. Valid from Idle and Invalidated.
func (s *Session) Start() error {
	if s.state != StateIdle && s.state != StateInvalidated {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.state)
	}

	s.gen++
	gen := s.gen
	s.state = StateStarting

	h, err := s.engine.NewSession(func(ev Event) {
		ev.Generation = gen
		s.emit(ev)
	})
	if err != nil {
		s.state = StateInvalidated
		return fmt.Errorf("ranging: create session: %w", err)
	}
	s.handle = h
	s.log.Info("ranging.session.start", "generation", gen)

	s.TokenReady(gen)
	return nil
}

// TokenReady moves Starting -> ActiveUnbound once the instance has produced its local token.
// It reports whether the transition happened.
func (s *Session) TokenReady(gen uint64) bool {
	if !s.Current(gen) || s.state != StateStarting {
		return false
	}
	tok := s.handle.LocalToken()
	if len(tok) == 0 {
		return false
	}
	s.local = tok.Clone()
	s.state = StateActiveUnbound
	s.log.Debug("ranging.session.token_ready", "generation", gen)
	return true
}

// Bind runs the engine against peer. Binding the token that is already bound is a no-op and
// reports false. While Starting or Suspended the token is remembered for later and false is
// returned.
func (s *Session) Bind(peer Token) (bool, error) {
	if len(peer) == 0 {
		return false, fmt.Errorf("%w: empty peer token", ErrInvalidTransition)
	}

	switch s.state {
	case StateIdle, StateInvalidated:
		return false, ErrNoSession
	case StateStarting, StateSuspended:
		s.peer = peer.Clone()
		return false, nil
	case StateActiveBound:
		if s.bound.Equal(peer) {
			return false, nil
		}
	}

	if err := s.handle.Run(peer); err != nil {
		return false, fmt.Errorf("ranging: run: %w", err)
	}
	s.bound = peer.Clone()
	s.peer = peer.Clone()
	s.state = StateActiveBound
	s.log.Info("ranging.session.bound", "generation", s.gen)
	return true, nil
}

// Suspend records an engine suspension. Suspending twice is a no-op.
func (s *Session) Suspend(gen uint64) error {
	if !s.Current(gen) {
		return nil
	}
	switch s.state {
	case StateSuspended:
		return nil
	case StateActiveUnbound, StateActiveBound:
		s.suspendedFrom = s.state
		s.state = StateSuspended
		s.log.Info("ranging.session.suspended", "generation", gen, "from", s.suspendedFrom.String())
		return nil
	default:
		return fmt.Errorf("%w: suspend from %s", ErrInvalidTransition, s.state)
	}
}

// Resume ends a suspension. With a known peer token the engine is re-run against it, even when
// the token is unchanged, and Resume reports true. Without one, the session returns to
// ActiveUnbound and nothing is run.
func (s *Session) Resume(gen uint64) (bool, error) {
	if !s.Current(gen) {
		return false, nil
	}
	if s.state != StateSuspended {
		return false, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, s.state)
	}

	if len(s.peer) == 0 {
		s.state = StateActiveUnbound
		s.log.Info("ranging.session.resumed", "generation", gen, "rebound", false)
		return false, nil
	}

	if err := s.handle.Run(s.peer); err != nil {
		// Stay suspended; the next resume or restart retries.
		return false, fmt.Errorf("ranging: run on resume: %w", err)
	}
	s.bound = s.peer.Clone()
	s.state = StateActiveBound
	s.log.Info("ranging.session.resumed", "generation", gen, "rebound", true)
	return true, nil
}

// Invalidate discards the current instance and every token bound to it.
func (s *Session) Invalidate(reason string) {
	if s.state == StateIdle || s.state == StateInvalidated {
		return
	}
	if s.handle != nil {
		s.handle.Invalidate()
	}
	s.log.Info("ranging.session.invalidated", "generation", s.gen, "reason", reason)

	s.handle = nil
	s.local = nil
	s.bound = nil
	s.peer = nil
	s.state = StateInvalidated
}

// Restart replaces the current instance with a fresh one.
func (s *Session) Restart(reason string) error {
	s.Invalidate(reason)
	return s.Start()
}

// Close releases the engine instance and returns the session to Idle.
func (s *Session) Close() {
	s.Invalidate("closed")
	s.state = StateIdle
}
