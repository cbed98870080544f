package peer

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"nearby/cmd/internal/transport"
)

// MaxPeers is the only supported slot count.
const MaxPeers = 1

var (
	// ErrSlotFull is returned when the single peer slot is already taken.
	ErrSlotFull = errors.New("peer: slot full")

	// ErrIdentityMismatch is returned for peers advertising another service identity.
	ErrIdentityMismatch = errors.New("peer: service identity mismatch")
)

// Outcome is the result of applying a transport state change to the slot.
type Outcome uint8

const (
	// OutcomeIgnored means the event does not concern the slot.
	OutcomeIgnored Outcome = iota
	// OutcomeConnecting means the slot peer is connecting.
	OutcomeConnecting
	// OutcomePromoted means a peer became Connected and now holds the slot.
	OutcomePromoted
	// OutcomeRejected means a peer reached Connected while another peer held the slot.
	OutcomeRejected
	// OutcomeLost means the slot peer disconnected; its handle is retained.
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConnecting:
		return "connecting"
	case OutcomePromoted:
		return "promoted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeLost:
		return "lost"
	default:
		return "ignored"
	}
}

// Controller enforces "at most one connected peer". It is not safe for concurrent use; the
// coordinator serializes every call.
type Controller struct {
	log      *slog.Logger
	identity string
	max      int

	bound *Handle
}

// NewController constructs a Controller that admits peers advertising identity.
func NewController(log *slog.Logger, identity string) *Controller {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		log:      log,
		identity: strings.TrimSpace(identity),
		max:      MaxPeers,
	}
}

// Bound returns the slot handle, or nil. The pointer is owned by the controller's caller.
func (c *Controller) Bound() *Handle { return c.bound }

// Holding reports whether a Connecting or Connected peer holds the slot.
func (c *Controller) Holding() bool {
	return c.bound != nil && c.bound.State != Disconnected
}

// Connected reports whether the slot peer is Connected.
func (c *Controller) Connected() bool {
	return c.bound != nil && c.bound.State == Connected
}

// IsBound reports whether p is the slot peer.
func (c *Controller) IsBound(p transport.PeerID) bool {
	return c.bound != nil && c.bound.ID.ID == p.ID
}

// OnPeerFound decides whether to invite a discovered peer. A nil error means invite.
func (c *Controller) OnPeerFound(p transport.PeerID, info map[string]string, connected int) error {
	if c.identity == "" || info[transport.DiscoveryIdentityKey] != c.identity {
		c.log.Debug("peer.reject", "peer", p.String(), "reason", ErrIdentityMismatch.Error())
		return ErrIdentityMismatch
	}
	if c.Holding() || connected >= c.max {
		c.log.Debug("peer.reject", "peer", p.String(), "reason", ErrSlotFull.Error(), "connected", connected)
		return ErrSlotFull
	}
	return nil
}

// OnInvitation decides an incoming invitation. The count is read at decision time.
func (c *Controller) OnInvitation(p transport.PeerID, connected int) error {
	if connected >= c.max || (c.Connected() && !c.IsBound(p)) {
		c.log.Debug("peer.invitation.decline", "peer", p.String(), "connected", connected)
		return ErrSlotFull
	}
	return nil
}

// OnStateChanged applies a transport state change to the slot.
func (c *Controller) OnStateChanged(p transport.PeerID, st transport.PeerState) Outcome {
	switch st {
	case transport.StateConnecting:
		switch {
		case c.IsBound(p):
			c.bound.State = Connecting
			c.bound.ID = p
		case c.Holding():
			return OutcomeIgnored
		default:
			c.retire()
			c.bound = &Handle{ID: p, State: Connecting}
		}
		return OutcomeConnecting

	case transport.StateConnected:
		switch {
		case c.IsBound(p):
			c.bound.State = Connected
			c.bound.ID = p
		case c.Connected():
			c.log.Debug("peer.reject", "peer", p.String(), "reason", ErrSlotFull.Error(), "holder", c.bound.ID.String())
			return OutcomeRejected
		default:
			c.retire()
			c.bound = &Handle{ID: p, State: Connected}
		}
		c.log.Info("peer.admit", "peer", p.String())
		return OutcomePromoted

	case transport.StateNotConnected:
		if !c.IsBound(p) || c.bound.State == Disconnected {
			return OutcomeIgnored
		}
		c.bound.State = Disconnected
		c.log.Info("peer.disconnected", "peer", p.String())
		return OutcomeLost
	}
	return OutcomeIgnored
}

// OnPeerLost handles the browser losing sight of a peer. It reports whether it was the slot peer.
func (c *Controller) OnPeerLost(p transport.PeerID) bool {
	if !c.IsBound(p) {
		return false
	}
	c.log.Info("peer.lost", "peer", p.String())
	return true
}

// Release empties the slot.
func (c *Controller) Release() { c.retire() }

func (c *Controller) retire() {
	if c.bound == nil {
		return
	}
	c.log.Debug("peer.retire", "peer", c.bound.ID.String())
	c.bound = nil
}
