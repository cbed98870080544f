package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"nearby/cmd/internal/transport"
	v1 "nearby/shared/contracts/pairing/v1"
)

const testService = "nearby-test"

type recorder struct {
	events chan transport.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan transport.Event, 64)}
}

func (r *recorder) HandleTransportEvent(ev transport.Event) { r.events <- ev }

func (r *recorder) next(t *testing.T, kind transport.EventKind) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
			return transport.Event{}
		}
	}
}

func (r *recorder) nextState(t *testing.T, want transport.PeerState) transport.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.events:
			if ev.Kind == transport.EventPeerStateChanged && ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
			return transport.Event{}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastOptions(name string) Options {
	return Options{
		Name:           name,
		BrowseInterval: 50 * time.Millisecond,
		WriteTimeout:   time.Second,
		HeartbeatEvery: time.Hour,
	}
}

type pair struct {
	listener, dialer       *Transport
	listenerEv, dialerEv   *recorder
	listenerPeer, dialPeer transport.PeerID
}

func newPair(t *testing.T) *pair {
	t.Helper()

	p := &pair{listenerEv: newRecorder(), dialerEv: newRecorder()}

	p.listener = New(fastOptions("alice"))
	p.listener.SetHandler(p.listenerEv)
	require.NoError(t, p.listener.StartAdvertising(testService, map[string]string{transport.DiscoveryIdentityKey: "svc"}))

	srv := httptest.NewServer(p.listener)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = p.listener.Close() })

	opts := fastOptions("bob")
	opts.Peers = []string{wsURL(srv)}
	p.dialer = New(opts)
	p.dialer.SetHandler(p.dialerEv)
	t.Cleanup(func() { _ = p.dialer.Close() })
	require.NoError(t, p.dialer.StartBrowsing(testService))

	found := p.dialerEv.next(t, transport.EventPeerFound)
	require.Equal(t, p.listener.Self(), found.Peer)
	require.Equal(t, "svc", found.Info[transport.DiscoveryIdentityKey])

	p.listenerPeer = found.Peer
	p.dialPeer = p.dialer.Self()
	return p
}

func (p *pair) connect(t *testing.T) {
	t.Helper()

	require.NoError(t, p.dialer.Invite(p.listenerPeer, []byte("ctx"), time.Second))
	p.dialerEv.nextState(t, transport.StateConnecting)

	inv := p.listenerEv.next(t, transport.EventInvitationReceived)
	require.Equal(t, p.dialPeer, inv.Peer)
	require.Equal(t, []byte("ctx"), inv.Context)
	inv.Respond(true)

	p.listenerEv.nextState(t, transport.StateConnected)
	p.dialerEv.nextState(t, transport.StateConnected)
}

func TestInviteAcceptAndExchangeData(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	p.connect(t)

	require.Equal(t, []transport.PeerID{p.dialPeer}, p.listener.ConnectedPeers())
	require.Equal(t, []transport.PeerID{p.listenerPeer}, p.dialer.ConnectedPeers())

	require.NoError(t, p.dialer.Send([]byte("hello"), []transport.PeerID{p.listenerPeer}, transport.Reliable))
	got := p.listenerEv.next(t, transport.EventDataReceived)
	require.Equal(t, p.dialPeer, got.Peer)
	require.Equal(t, []byte("hello"), got.Data)

	require.NoError(t, p.listener.Send([]byte("back"), []transport.PeerID{p.dialPeer}, transport.Unreliable))
	got = p.dialerEv.next(t, transport.EventDataReceived)
	require.Equal(t, []byte("back"), got.Data)
}

func TestSendWithoutSessionFails(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	err := p.dialer.Send([]byte("x"), []transport.PeerID{p.listenerPeer}, transport.Reliable)
	require.ErrorIs(t, err, transport.ErrNotConnected)

	err = p.dialer.Invite(transport.PeerID{ID: "nobody"}, nil, time.Second)
	require.ErrorIs(t, err, transport.ErrUnknownPeer)
}

func TestInviteDeclined(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	require.NoError(t, p.dialer.Invite(p.listenerPeer, nil, time.Second))

	inv := p.listenerEv.next(t, transport.EventInvitationReceived)
	inv.Respond(false)
	inv.Respond(true) // ignored

	p.dialerEv.nextState(t, transport.StateNotConnected)
	require.Empty(t, p.listener.ConnectedPeers())
	require.Empty(t, p.dialer.ConnectedPeers())
}

func TestInviteTimesOut(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	require.NoError(t, p.dialer.Invite(p.listenerPeer, nil, 100*time.Millisecond))

	// Never answered.
	p.listenerEv.next(t, transport.EventInvitationReceived)
	p.dialerEv.nextState(t, transport.StateNotConnected)
	require.Empty(t, p.dialer.ConnectedPeers())
}

func TestDisconnectKeepsLinkForRediscovery(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	p.connect(t)

	p.listener.Disconnect(p.dialPeer)
	p.listenerEv.nextState(t, transport.StateNotConnected)
	p.dialerEv.nextState(t, transport.StateNotConnected)

	again := p.dialerEv.next(t, transport.EventPeerFound)
	require.Equal(t, p.listenerPeer, again.Peer)

	p.connect(t)
}

func TestListenerCloseReportsLoss(t *testing.T) {
	t.Parallel()

	p := newPair(t)
	p.connect(t)

	require.NoError(t, p.listener.Close())

	p.dialerEv.nextState(t, transport.StateNotConnected)
	lost := p.dialerEv.next(t, transport.EventPeerLost)
	require.Equal(t, p.listenerPeer, lost.Peer)

	require.ErrorIs(t, p.listener.StartAdvertising(testService, nil), transport.ErrClosed)
}

func TestHelloRejectedWhenNotAdvertising(t *testing.T) {
	t.Parallel()

	tr := New(fastOptions("alice"))
	t.Cleanup(func() { _ = tr.Close() })
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv), &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	require.NoError(t, err)
	defer conn.CloseNow()

	hello, err := newEnvelope(v1.TypeHello, v1.HelloPayload{PeerID: "x-1", Name: "x", ServiceType: testService})
	require.NoError(t, err)
	require.NoError(t, writeEnvelope(ctx, conn, hello, time.Second))

	_, err = readEnvelope(ctx, conn)
	require.Error(t, err)
	require.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}

func TestRejectsMissingSubprotocol(t *testing.T) {
	t.Parallel()

	tr := New(fastOptions("alice"))
	t.Cleanup(func() { _ = tr.Close() })
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		require.NotNil(t, resp)
		require.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode)
		return
	}
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	require.Equal(t, websocket.StatusProtocolError, websocket.CloseStatus(err))
}

func TestRateLimiterWindow(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(2, time.Second)
	now := time.Unix(100, 0)

	require.True(t, rl.Allow(now))
	require.True(t, rl.Allow(now.Add(10*time.Millisecond)))
	require.False(t, rl.Allow(now.Add(20*time.Millisecond)))
	require.True(t, rl.Allow(now.Add(1100*time.Millisecond)))
}
