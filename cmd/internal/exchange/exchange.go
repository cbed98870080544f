// Package exchange implements the two-message token exchange between paired devices.
//
// Each side sends its encoded ranging token once per exchange round and, independently, its
// device identifier once per connection. Messages carry no ordering: each is self-contained
// and applying the same message twice changes nothing.
package exchange

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"nearby/cmd/internal/codec"
	"nearby/cmd/internal/peer"
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/transport"
)

var (
	// ErrSendFailed is the TransportSendFailure of the pairing layer.
	ErrSendFailed = errors.New("exchange: send failed")

	// ErrForeignSender is returned for data from a peer other than the bound one.
	ErrForeignSender = errors.New("exchange: message from unbound peer")

	// ErrNotReady is returned when there is nothing to share or nobody to share it with.
	ErrNotReady = errors.New("exchange: not ready")
)

// SendError wraps a transport failure for one payload kind.
type SendError struct {
	Kind codec.Kind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSendFailed.Error(), e.Kind, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{ErrSendFailed, e.Err} }

// Sender is the part of the transport the exchange needs.
type Sender interface {
	Send(data []byte, to []transport.PeerID, mode transport.Reliability) error
}

// Received describes the effect of one accepted message on the peer handle.
type Received struct {
	Kind codec.Kind

	// Changed is true when the stored value differs from what the handle held before.
	Changed bool

	// Replaced is true when a token replaced a different, previously stored token; the peer
	// has restarted its engine and a new exchange round begins.
	Replaced bool
}

// Protocol tracks what has been shared with the bound peer.
type Protocol struct {
	log   *slog.Logger
	codec *codec.Codec
	tr    Sender

	sharedToken  bool
	sentIdentity bool
}

// New constructs a Protocol.
func New(log *slog.Logger, c *codec.Codec, tr Sender) *Protocol {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Protocol{log: log, codec: c, tr: tr}
}

// TokenShared reports whether the local token went out in the current round.
func (p *Protocol) TokenShared() bool { return p.sharedToken }

// IdentityShared reports whether the device identifier went out for the current connection.
func (p *Protocol) IdentityShared() bool { return p.sentIdentity }

// ResetRound allows the local token to be shared again. Called for a new ranging session,
// a reconnect, or a peer that restarted its engine.
func (p *Protocol) ResetRound() { p.sharedToken = false }

// ResetConnection forgets everything sent to the previous connection.
func (p *Protocol) ResetConnection() {
	p.sharedToken = false
	p.sentIdentity = false
}

// ShareToken sends the local token to the connected peers unless it was already shared this
// round. It reports whether a send happened. On failure the round stays open for a retry.
func (p *Protocol) ShareToken(local ranging.Token, to []transport.PeerID) (bool, error) {
	if p.sharedToken {
		return false, nil
	}
	if len(local) == 0 || len(to) == 0 {
		return false, ErrNotReady
	}

	b, err := p.codec.EncodeToken(local)
	if err != nil {
		return false, err
	}
	if err := p.tr.Send(b, to, transport.Reliable); err != nil {
		return false, &SendError{Kind: codec.KindToken, Err: err}
	}

	p.sharedToken = true
	p.log.Info("exchange.token.sent", "peers", len(to))
	return true, nil
}

// ShareIdentity sends the device identifier once per connection.
func (p *Protocol) ShareIdentity(deviceID string, to []transport.PeerID) (bool, error) {
	if p.sentIdentity {
		return false, nil
	}
	if deviceID == "" || len(to) == 0 {
		return false, ErrNotReady
	}

	b, err := p.codec.EncodeIdentifier(deviceID)
	if err != nil {
		return false, err
	}
	if err := p.tr.Send(b, to, transport.Reliable); err != nil {
		return false, &SendError{Kind: codec.KindIdentifier, Err: err}
	}

	p.sentIdentity = true
	p.log.Info("exchange.identity.sent", "peers", len(to))
	return true, nil
}

// Receive verifies and decodes a message from the transport and stores it on the bound
// handle. The handle is untouched on any error.
func (p *Protocol) Receive(from transport.PeerID, bound *peer.Handle, data []byte) (Received, error) {
	if bound == nil || from.Name != bound.Name() {
		return Received{}, ErrForeignSender
	}

	kind, err := p.codec.Inspect(data)
	if err != nil {
		return Received{}, err
	}

	switch kind {
	case codec.KindToken:
		tok, err := p.codec.DecodeToken(data)
		if err != nil {
			return Received{}, err
		}
		next := ranging.Token(tok)
		prev := bound.RemoteToken
		res := Received{
			Kind:     kind,
			Changed:  !prev.Equal(next),
			Replaced: len(prev) > 0 && !prev.Equal(next),
		}
		bound.RemoteToken = next
		p.log.Debug("exchange.token.received", "peer", from.String(), "changed", res.Changed)
		return res, nil

	case codec.KindIdentifier:
		id, err := p.codec.DecodeIdentifier(data)
		if err != nil {
			return Received{}, err
		}
		res := Received{Kind: kind, Changed: bound.RemoteDeviceID != id}
		bound.RemoteDeviceID = id
		p.log.Debug("exchange.identity.received", "peer", from.String())
		return res, nil
	}

	return Received{}, fmt.Errorf("exchange: unexpected payload kind %s", kind)
}
