// Package v1 defines the Nearby Pairing Protocol v1 contract.
//
// This is the wire format of the WebSocket transport between two devices. It is shared by
// the transport and the smoke tool to keep the protocol authoritative. Ranging tokens travel
// inside DataPayload as opaque bytes; their encoding is owned by the codec, not by this package.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "nearby.pairing.v1"

// Type constants (wire-stable).
const (
	// TypeHello opens a link (dialer -> listener).
	TypeHello = "hello"
	// TypeHelloAck answers hello with the listener's advertisement (listener -> dialer).
	TypeHelloAck = "hello_ack"

	// TypeInvite asks the other side to connect (either direction).
	TypeInvite = "invite"
	// TypeInviteAccept accepts the pending invite.
	TypeInviteAccept = "invite_accept"
	// TypeInviteDecline declines the pending invite.
	TypeInviteDecline = "invite_decline"

	// TypeData carries application bytes on a connected link.
	TypeData = "data"

	// TypeBye ends the connected session; the link may be closed right after.
	TypeBye = "bye"

	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeInvite,
		TypeInviteAccept,
		TypeInviteDecline,
		TypeData,
		TypeBye,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// HelloPayload identifies the dialing device.
type HelloPayload struct {
	PeerID      string `json:"peer_id"`
	Name        string `json:"name"`
	ServiceType string `json:"service_type"`
}

// Validate checks required fields.
func (p HelloPayload) Validate() error {
	if strings.TrimSpace(p.PeerID) == "" {
		return errors.New("missing field: peer_id")
	}
	if strings.TrimSpace(p.ServiceType) == "" {
		return errors.New("missing field: service_type")
	}
	return nil
}

// HelloAckPayload carries the listener's identity and discovery info.
type HelloAckPayload struct {
	PeerID string            `json:"peer_id"`
	Name   string            `json:"name"`
	Info   map[string]string `json:"info,omitempty"`
}

// InvitePayload is the connection invitation.
type InvitePayload struct {
	// Context is the opaque inviter context (base64 on the wire).
	Context   []byte `json:"context,omitempty"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// DataPayload carries opaque application bytes (base64 on the wire).
type DataPayload struct {
	Data []byte `json:"data"`
}

// ByePayload ends a session.
type ByePayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the payload of TypeError.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
