package ranging

import (
	"bytes"
	"errors"
)

var (
	// ErrEngineUnavailable means ranging is not supported on this device. It is fatal.
	ErrEngineUnavailable = errors.New("ranging: engine unavailable")

	// ErrInvalidTransition is returned when an operation does not apply to the current state.
	ErrInvalidTransition = errors.New("ranging: invalid state transition")

	// ErrNoSession is returned when an operation needs an engine handle and none exists.
	ErrNoSession = errors.New("ranging: no active session")
)

// Token is an opaque discovery token produced by the ranging engine.
type Token []byte

// Equal reports whether t and o hold the same bytes.
func (t Token) Equal(o Token) bool { return bytes.Equal(t, o) }

// Clone returns an independent copy of t.
func (t Token) Clone() Token {
	if t == nil {
		return nil
	}
	out := make(Token, len(t))
	copy(out, t)
	return out
}

// Vector is a unit direction vector in the device frame.
type Vector struct {
	X, Y, Z float64
}

// EventKind enumerates engine notifications.
type EventKind uint8

const (
	EventTokenReady EventKind = iota + 1
	EventUpdated
	EventSuspended
	EventResumed
	EventInvalidated
	EventPeerRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventTokenReady:
		return "token_ready"
	case EventUpdated:
		return "updated"
	case EventSuspended:
		return "suspended"
	case EventResumed:
		return "resumed"
	case EventInvalidated:
		return "invalidated"
	case EventPeerRemoved:
		return "peer_removed"
	default:
		return "unknown"
	}
}

// Event is one engine notification. Generation identifies the session instance that emitted it.
type Event struct {
	Kind       EventKind
	Generation uint64

	Distance  float64
	Direction *Vector

	Reason string
}

// Engine creates ranging sessions. It is the only way to obtain a Handle.
type Engine interface {
	// Supported reports whether ranging can run on this device at all.
	Supported() bool

	// NewSession creates one engine instance. Events for that instance go to sink.
	NewSession(sink func(Event)) (Handle, error)
}

// Handle is one running engine instance.
type Handle interface {
	// LocalToken returns this instance's discovery token; nil until the engine has produced it.
	LocalToken() Token

	// Run starts (or re-starts) ranging against the peer token.
	Run(peer Token) error

	// Invalidate releases the instance. The handle is unusable afterwards.
	Invalidate()
}
