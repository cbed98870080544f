package exchange

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nearby/cmd/internal/codec"
	"nearby/cmd/internal/peer"
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/transport"
)

type sent struct {
	data []byte
	to   []transport.PeerID
}

type fakeSender struct {
	err  error
	sent []sent
}

func (s *fakeSender) Send(data []byte, to []transport.PeerID, _ transport.Reliability) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{data: data, to: to})
	return nil
}

var bob = transport.PeerID{ID: "b", Name: "Bob"}

func newTestProtocol(t *testing.T) (*Protocol, *fakeSender, *codec.Codec) {
	t.Helper()
	c, err := codec.New()
	require.NoError(t, err)
	s := &fakeSender{}
	return New(nil, c, s), s, c
}

func TestShareTokenOncePerRound(t *testing.T) {
	t.Parallel()
	p, s, c := newTestProtocol(t)

	ok, err := p.ShareToken(ranging.Token("local"), []transport.PeerID{bob})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, p.TokenShared())

	ok, err = p.ShareToken(ranging.Token("local"), []transport.PeerID{bob})
	require.NoError(t, err)
	assert.False(t, ok)
	require.Len(t, s.sent, 1)

	got, err := c.DecodeToken(s.sent[0].data)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), got)

	p.ResetRound()
	ok, err = p.ShareToken(ranging.Token("local"), []transport.PeerID{bob})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, s.sent, 2)
}

func TestShareTokenFailureLeavesRoundOpen(t *testing.T) {
	t.Parallel()
	p, s, _ := newTestProtocol(t)
	s.err = errors.New("radio busy")

	ok, err := p.ShareToken(ranging.Token("local"), []transport.PeerID{bob})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.False(t, p.TokenShared())

	s.err = nil
	ok, err = p.ShareToken(ranging.Token("local"), []transport.PeerID{bob})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestShareTokenNotReady(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProtocol(t)

	_, err := p.ShareToken(nil, []transport.PeerID{bob})
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = p.ShareToken(ranging.Token("local"), nil)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestShareIdentityOncePerConnection(t *testing.T) {
	t.Parallel()
	p, s, _ := newTestProtocol(t)

	assert.False(t, p.IdentityShared())
	ok, err := p.ShareIdentity("dev-1", []transport.PeerID{bob})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, p.IdentityShared())

	ok, _ = p.ShareIdentity("dev-1", []transport.PeerID{bob})
	assert.False(t, ok)

	p.ResetConnection()
	assert.False(t, p.IdentityShared())
	ok, _ = p.ShareIdentity("dev-1", []transport.PeerID{bob})
	assert.True(t, ok)
	assert.Len(t, s.sent, 2)
}

func TestReceiveToken(t *testing.T) {
	t.Parallel()
	p, _, c := newTestProtocol(t)
	h := &peer.Handle{ID: bob, State: peer.Connected}

	b, err := c.EncodeToken([]byte("peer-token"))
	require.NoError(t, err)

	res, err := p.Receive(bob, h, b)
	require.NoError(t, err)
	assert.Equal(t, codec.KindToken, res.Kind)
	assert.True(t, res.Changed)
	assert.False(t, res.Replaced)
	assert.Equal(t, ranging.Token("peer-token"), h.RemoteToken)

	res, err = p.Receive(bob, h, b)
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.False(t, res.Replaced)

	b2, err := c.EncodeToken([]byte("peer-token-2"))
	require.NoError(t, err)
	res, err = p.Receive(bob, h, b2)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, res.Replaced)
}

func TestReceiveIdentifier(t *testing.T) {
	t.Parallel()
	p, _, c := newTestProtocol(t)
	h := &peer.Handle{ID: bob, State: peer.Connected}

	b, err := c.EncodeIdentifier("dev-bob")
	require.NoError(t, err)

	res, err := p.Receive(bob, h, b)
	require.NoError(t, err)
	assert.Equal(t, codec.KindIdentifier, res.Kind)
	assert.Equal(t, "dev-bob", h.RemoteDeviceID)
	assert.Nil(t, h.RemoteToken)
}

func TestReceiveRejectsForeignSender(t *testing.T) {
	t.Parallel()
	p, _, c := newTestProtocol(t)
	h := &peer.Handle{ID: bob, State: peer.Connected}

	b, err := c.EncodeToken([]byte("mallory"))
	require.NoError(t, err)

	_, err = p.Receive(transport.PeerID{ID: "m", Name: "Mallory"}, h, b)
	assert.ErrorIs(t, err, ErrForeignSender)
	assert.Nil(t, h.RemoteToken)

	_, err = p.Receive(bob, nil, b)
	assert.ErrorIs(t, err, ErrForeignSender)
}

func TestReceiveMalformedLeavesHandle(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProtocol(t)
	h := &peer.Handle{ID: bob, State: peer.Connected, RemoteToken: ranging.Token("keep")}

	_, err := p.Receive(bob, h, []byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	assert.True(t, codec.IsCodecError(err))
	assert.Equal(t, ranging.Token("keep"), h.RemoteToken)
}
