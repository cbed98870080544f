// Package transport defines the boundary to the proximity transport: peer discovery,
// connection invitations, and reliable message delivery between nearby devices.
//
// Implementations deliver events on their own goroutines. Receivers must not assume any
// particular scheduling context and must serialize their own state.
package transport

import (
	"errors"
	"time"
)

// DiscoveryIdentityKey is the discovery-info key that carries the application's service tag.
const DiscoveryIdentityKey = "identity"

var (
	// ErrNotConnected is returned by Send when none of the target peers is connected.
	ErrNotConnected = errors.New("transport: peer not connected")

	// ErrClosed is returned after the transport has been shut down.
	ErrClosed = errors.New("transport: closed")

	// ErrUnknownPeer is returned by Invite for peers that were never discovered.
	ErrUnknownPeer = errors.New("transport: unknown peer")
)

// PeerID identifies a remote peer at the transport level.
type PeerID struct {
	ID   string
	Name string
}

// IsZero reports whether p is the zero PeerID.
func (p PeerID) IsZero() bool { return p.ID == "" }

func (p PeerID) String() string {
	if p.Name == "" {
		return p.ID
	}
	return p.Name + "(" + p.ID + ")"
}

// PeerState is the transport connection state of one peer.
type PeerState uint8

const (
	StateNotConnected PeerState = iota
	StateConnecting
	StateConnected
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "not_connected"
	}
}

// Reliability selects the delivery mode of Send.
type Reliability uint8

const (
	Reliable Reliability = iota
	Unreliable
)

// EventKind enumerates inbound transport events.
type EventKind uint8

const (
	EventPeerFound EventKind = iota + 1
	EventPeerLost
	EventPeerStateChanged
	EventDataReceived
	EventInvitationReceived
)

func (k EventKind) String() string {
	switch k {
	case EventPeerFound:
		return "peer_found"
	case EventPeerLost:
		return "peer_lost"
	case EventPeerStateChanged:
		return "peer_state_changed"
	case EventDataReceived:
		return "data_received"
	case EventInvitationReceived:
		return "invitation_received"
	default:
		return "unknown"
	}
}

// Event is one inbound transport notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind  EventKind
	Peer  PeerID
	Info  map[string]string
	State PeerState
	Data  []byte

	// Context is the opaque invitation context sent by the inviter.
	Context []byte

	// Respond answers an invitation. It must be called at most once; later calls are ignored.
	Respond func(accept bool)
}

// Handler receives transport events.
type Handler interface {
	HandleTransportEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

// HandleTransportEvent calls f(ev).
func (f HandlerFunc) HandleTransportEvent(ev Event) { f(ev) }

// Transport is the proximity transport consumed by the pairing layer.
type Transport interface {
	StartAdvertising(serviceType string, info map[string]string) error
	StartBrowsing(serviceType string) error
	StopAdvertising()
	StopBrowsing()

	// Send delivers data to the given peers. It returns once the data is queued.
	Send(data []byte, to []PeerID, mode Reliability) error

	// Invite asks a discovered peer to connect. The outcome arrives as PeerStateChanged events.
	Invite(peer PeerID, context []byte, timeout time.Duration) error

	ConnectedPeers() []PeerID
	Disconnect(peer PeerID)
	SetHandler(h Handler)
}
