package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nearby/cmd/internal/codec"
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/transport"
)

const (
	testServiceType = "interaction"
	testIdentity    = "nearby.interaction/device_ni"
)

var (
	peerB = transport.PeerID{ID: "b-1", Name: "Bob"}
	peerC = transport.PeerID{ID: "c-1", Name: "Carol"}
)

type message struct {
	data []byte
	to   []transport.PeerID
}

type fakeTransport struct {
	mu sync.Mutex

	handler     transport.Handler
	advertised  int
	browsed     int
	info        map[string]string
	stopped     bool
	connected   []transport.PeerID
	invites     []transport.PeerID
	sent        []message
	sendErr     error
	disconnects []transport.PeerID
}

func (f *fakeTransport) StartAdvertising(_ string, info map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advertised++
	f.info = info
	return nil
}

func (f *fakeTransport) StartBrowsing(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.browsed++
	return nil
}

func (f *fakeTransport) StopAdvertising() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTransport) StopBrowsing() {}

func (f *fakeTransport) Send(data []byte, to []transport.PeerID, _ transport.Reliability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, message{data: append([]byte(nil), data...), to: to})
	return nil
}

func (f *fakeTransport) Invite(p transport.PeerID, _ []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invites = append(f.invites, p)
	return nil
}

func (f *fakeTransport) ConnectedPeers() []transport.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.PeerID(nil), f.connected...)
}

func (f *fakeTransport) Disconnect(p transport.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, p)
}

func (f *fakeTransport) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) setConnected(peers ...transport.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = peers
}

func (f *fakeTransport) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

type fakeEngine struct {
	mu         sync.Mutex
	tokenLater bool
	handles    []*fakeHandle
}

func (e *fakeEngine) Supported() bool { return true }

func (e *fakeEngine) NewSession(sink func(ranging.Event)) (ranging.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := &fakeHandle{
		sink:  sink,
		token: ranging.Token(fmt.Sprintf("local-%d", len(e.handles)+1)),
		ready: !e.tokenLater,
	}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) latest() *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.handles) == 0 {
		return nil
	}
	return e.handles[len(e.handles)-1]
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

type fakeHandle struct {
	mu          sync.Mutex
	sink        func(ranging.Event)
	token       ranging.Token
	ready       bool
	runs        []ranging.Token
	invalidated bool
}

func (h *fakeHandle) LocalToken() ranging.Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return nil
	}
	return h.token.Clone()
}

func (h *fakeHandle) Run(peer ranging.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, peer.Clone())
	return nil
}

func (h *fakeHandle) Invalidate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidated = true
}

func (h *fakeHandle) runCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.runs)
}

type fixture struct {
	c      *Coordinator
	tr     *fakeTransport
	engine *fakeEngine
	codec  *codec.Codec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, &fakeEngine{})
}

func newFixtureWith(t *testing.T, engine *fakeEngine) *fixture {
	t.Helper()

	cdc, err := codec.New()
	require.NoError(t, err)

	tr := &fakeTransport{}
	c, err := New(Config{
		ServiceType:     testServiceType,
		ServiceIdentity: testIdentity,
		DeviceID:        "dev-local",
		InviteTimeout:   10 * time.Second,
	}, Options{Transport: tr, Engine: engine, Codec: cdc})
	require.NoError(t, err)

	return &fixture{c: c, tr: tr, engine: engine, codec: cdc}
}

// The helpers below drive the coordinator synchronously, the way the loop would.

func (f *fixture) start(t *testing.T) {
	t.Helper()
	reply := make(chan error, 1)
	f.c.apply(event{start: reply})
	require.NoError(t, <-reply)
}

func (f *fixture) deliver(ev transport.Event) {
	f.c.apply(event{transport: &ev})
}

func (f *fixture) engineEvent(ev ranging.Event) {
	if ev.Generation == 0 {
		ev.Generation = f.c.session.Generation()
	}
	f.c.apply(event{ranging: &ev})
}

func (f *fixture) found(p transport.PeerID) {
	f.deliver(transport.Event{
		Kind: transport.EventPeerFound,
		Peer: p,
		Info: map[string]string{transport.DiscoveryIdentityKey: testIdentity},
	})
}

func (f *fixture) state(p transport.PeerID, st transport.PeerState) {
	if st == transport.StateConnected {
		f.tr.setConnected(p)
	} else {
		f.tr.setConnected()
	}
	f.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: p, State: st})
}

func (f *fixture) data(t *testing.T, from transport.PeerID, token string) {
	t.Helper()
	b, err := f.codec.EncodeToken([]byte(token))
	require.NoError(t, err)
	f.deliver(transport.Event{Kind: transport.EventDataReceived, Peer: from, Data: b})
}

func (f *fixture) connect(t *testing.T, p transport.PeerID) {
	t.Helper()
	f.found(p)
	f.state(p, transport.StateConnecting)
	f.state(p, transport.StateConnected)
}

// sentTokens decodes every token message the fake transport carried.
func (f *fixture) sentTokens(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range f.tr.messages() {
		kind, err := f.codec.Inspect(m.data)
		require.NoError(t, err)
		if kind != codec.KindToken {
			continue
		}
		tok, err := f.codec.DecodeToken(m.data)
		require.NoError(t, err)
		out = append(out, string(tok))
	}
	return out
}

func (f *fixture) sentIdentities(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, m := range f.tr.messages() {
		kind, err := f.codec.Inspect(m.data)
		require.NoError(t, err)
		if kind != codec.KindIdentifier {
			continue
		}
		id, err := f.codec.DecodeIdentifier(m.data)
		require.NoError(t, err)
		out = append(out, id)
	}
	return out
}
