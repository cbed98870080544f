// Package peer holds the single peer slot of a pairing session and the admission policy that
// guards it.
package peer

import (
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/transport"
)

// ConnState is the connection state of the bound peer.
type ConnState uint8

const (
	Connecting ConnState = iota + 1
	Connected
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "none"
	}
}

// Handle is the admitted remote peer. At most one exists per Controller.
type Handle struct {
	ID    transport.PeerID
	State ConnState

	// RemoteToken is the last ranging token received from the peer.
	RemoteToken ranging.Token

	// RemoteDeviceID is the peer's device identifier; informational only.
	RemoteDeviceID string
}

// Name returns the peer's display name.
func (h *Handle) Name() string {
	if h == nil {
		return ""
	}
	return h.ID.Name
}
