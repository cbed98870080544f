// Package wstransport is a LAN proximity transport over WebSockets.
//
// Advertising serves the pairing endpoint (mount the Transport as an http.Handler). Browsing
// dials a configured list of peer endpoints; every successful handshake reports PeerFound.
// Invitations, session state, and data then flow over the same link as pairing/v1 envelopes.
//
// When two devices dial each other, the link opened by the device with the smaller peer id is
// kept and the other is closed during the handshake.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"nearby/cmd/internal/transport"
	v1 "nearby/shared/contracts/pairing/v1"
)

const codeDuplicateLink = "duplicate_link"

var (
	errDuplicateLink = errors.New("wstransport: duplicate link")
	errBackpressure  = errors.New("wstransport: send queue full")
)

// Options configures a Transport. Zero values take defaults.
type Options struct {
	Log *slog.Logger

	// Name is this device's display name.
	Name string

	// Peers are the pairing endpoints (ws://host:port/pair) dialed while browsing.
	Peers []string

	BrowseInterval time.Duration

	WriteTimeout     time.Duration
	ReadIdleTimeout  time.Duration
	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration
	SendQueueSize    int

	RateEvents int
	RateWindow time.Duration

	HTTPClient *http.Client
}

func (o *Options) setDefaults() {
	if o.Log == nil {
		o.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.BrowseInterval <= 0 {
		o.BrowseInterval = defaultBrowseInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = defaultReadIdle
	}
	if o.HeartbeatEvery <= 0 {
		o.HeartbeatEvery = defaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = defaultSendQueueSize
	}
}

// Transport implements transport.Transport and http.Handler.
type Transport struct {
	log  *slog.Logger
	opts Options
	self transport.PeerID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	handler      transport.Handler
	closed       bool
	advertising  bool
	serviceType  string
	info         map[string]string
	browseType   string
	browseCancel context.CancelFunc
	links        map[string]*link  // by remote peer id
	dialing      map[string]string // url -> remote peer id ("" while dialing)
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ http.Handler        = (*Transport)(nil)
)

// New constructs a Transport with a fresh peer id.
func New(opts Options) *Transport {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "nearby"
	}

	return &Transport{
		log:     opts.Log.With("component", "wstransport"),
		opts:    opts,
		self:    transport.PeerID{ID: uuid.NewString(), Name: name},
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[string]*link),
		dialing: make(map[string]string),
	}
}

// Self returns this device's transport identity.
func (t *Transport) Self() transport.PeerID { return t.self }

// SetHandler implements transport.Transport.
func (t *Transport) SetHandler(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) emit(ev transport.Event) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.HandleTransportEvent(ev)
	}
}

// StartAdvertising implements transport.Transport. Incoming hellos are rejected until it is called.
func (t *Transport) StartAdvertising(serviceType string, info map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	t.advertising = true
	t.serviceType = serviceType
	t.info = cloneInfo(info)
	t.log.Info("ws.advertise.start", "service_type", serviceType, "peer", t.self.String())
	return nil
}

// StopAdvertising implements transport.Transport. Accepted links without a session are closed.
func (t *Transport) StopAdvertising() {
	t.mu.Lock()
	t.advertising = false
	var idle []*link
	for _, l := range t.links {
		if !l.dialed && l.state != sessionConnected {
			idle = append(idle, l)
		}
	}
	t.mu.Unlock()

	for _, l := range idle {
		l.close(websocket.StatusGoingAway, "not advertising")
	}
}

// StartBrowsing implements transport.Transport.
func (t *Transport) StartBrowsing(serviceType string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if t.browseCancel != nil {
		t.browseType = serviceType
		return nil
	}

	ctx, cancel := context.WithCancel(t.ctx)
	t.browseType = serviceType
	t.browseCancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.browse(ctx)
	}()
	return nil
}

// StopBrowsing implements transport.Transport. Existing links stay up.
func (t *Transport) StopBrowsing() {
	t.mu.Lock()
	cancel := t.browseCancel
	t.browseCancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Invite implements transport.Transport.
func (t *Transport) Invite(peer transport.PeerID, invitation []byte, timeout time.Duration) error {
	env, err := newEnvelope(v1.TypeInvite, v1.InvitePayload{Context: invitation, TimeoutMS: timeout.Milliseconds()})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return transport.ErrClosed
	}
	l, ok := t.links[peer.ID]
	if !ok {
		t.mu.Unlock()
		return transport.ErrUnknownPeer
	}
	if l.state != sessionIdle {
		t.mu.Unlock()
		return nil
	}
	if !l.enqueue(env) {
		t.mu.Unlock()
		return errBackpressure
	}
	l.state = sessionInviting
	if timeout > 0 {
		l.inviteTimer = time.AfterFunc(timeout, func() { t.expireInvite(l) })
	}
	t.mu.Unlock()

	t.log.Info("ws.invite", "peer", l.remote.String())
	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateConnecting})
	return nil
}

// Send implements transport.Transport. Every mode is delivered over the reliable link.
func (t *Transport) Send(data []byte, to []transport.PeerID, _ transport.Reliability) error {
	env, err := newEnvelope(v1.TypeData, v1.DataPayload{Data: data})
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	sent := 0
	var full bool
	for _, p := range to {
		l, ok := t.links[p.ID]
		if !ok || l.state != sessionConnected {
			continue
		}
		if !l.enqueue(env) {
			full = true
			continue
		}
		sent++
	}
	switch {
	case sent > 0:
		return nil
	case full:
		return errBackpressure
	default:
		return transport.ErrNotConnected
	}
}

// ConnectedPeers implements transport.Transport.
func (t *Transport) ConnectedPeers() []transport.PeerID {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []transport.PeerID
	for _, l := range t.links {
		if l.state == sessionConnected {
			out = append(out, l.remote)
		}
	}
	return out
}

// Disconnect implements transport.Transport. The link stays open for a later invitation.
func (t *Transport) Disconnect(peer transport.PeerID) {
	t.mu.Lock()
	l, ok := t.links[peer.ID]
	if !ok || l.state == sessionIdle {
		t.mu.Unlock()
		return
	}
	l.stopInviteTimer()
	l.state = sessionIdle
	t.mu.Unlock()

	if env, err := newEnvelope(v1.TypeBye, v1.ByePayload{Reason: "disconnect"}); err == nil {
		_ = l.enqueue(env)
	}
	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateNotConnected})
}

// Close shuts every link down and stops browsing.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.advertising = false
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	t.cancel()
	for _, l := range links {
		l.close(websocket.StatusGoingAway, "shutdown")
	}
	t.wg.Wait()
	return nil
}

// ServeHTTP accepts a link from a browsing device.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		t.log.Error("ws.accept.fail", "err", err)
		return
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		t.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	l := newLink(conn, false, "", t.opts.SendQueueSize)
	if err := t.acceptHello(r.Context(), l); err != nil {
		t.log.Info("ws.reject.hello", "remote", r.RemoteAddr, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, trimReason(err.Error()))
		return
	}

	t.log.Info("ws.link.accepted", "peer", l.remote.String())
	t.run(t.ctx, l)
}

func (t *Transport) acceptHello(parent context.Context, l *link) error {
	ctx, cancel := context.WithTimeout(parent, handshakeTimeout)
	defer cancel()

	env, err := readEnvelope(ctx, l.conn)
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Type != v1.TypeHello {
		return fmt.Errorf("expected %s, got %s", v1.TypeHello, env.Type)
	}
	var p v1.HelloPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	advertising, serviceType, info := t.advertising, t.serviceType, cloneInfo(t.info)
	t.mu.Unlock()
	if !advertising || p.ServiceType != serviceType {
		return errors.New("service not advertised")
	}
	if p.PeerID == t.self.ID {
		return errors.New("self link")
	}

	l.remote = transport.PeerID{ID: p.PeerID, Name: p.Name}
	if err := t.register(l); err != nil {
		if errors.Is(err, errDuplicateLink) {
			// Tell the dialer which peer already covers this endpoint.
			if dup, derr := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: codeDuplicateLink, Message: t.self.ID}); derr == nil {
				_ = writeEnvelope(ctx, l.conn, dup, t.opts.WriteTimeout)
			}
		}
		return err
	}

	ack, err := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{PeerID: t.self.ID, Name: t.self.Name, Info: info})
	if err != nil {
		t.unregister(l)
		return err
	}
	if err := writeEnvelope(ctx, l.conn, ack, t.opts.WriteTimeout); err != nil {
		t.unregister(l)
		return fmt.Errorf("write hello_ack: %w", err)
	}
	return nil
}

func (t *Transport) browse(ctx context.Context) {
	tk := time.NewTicker(t.opts.BrowseInterval)
	defer tk.Stop()

	for {
		t.dialAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}
	}
}

func (t *Transport) dialAll(ctx context.Context) {
	for _, url := range t.opts.Peers {
		t.mu.Lock()
		remote, busy := t.dialing[url]
		if busy && remote != "" {
			// Covered by a link the other side opened.
			if _, live := t.links[remote]; !live {
				delete(t.dialing, url)
				busy = false
			}
		}
		if !busy {
			t.dialing[url] = ""
		}
		t.mu.Unlock()
		if busy {
			continue
		}

		t.wg.Add(1)
		go func(url string) {
			defer t.wg.Done()
			t.dial(ctx, url)
		}(url)
	}
}

func (t *Transport) dial(ctx context.Context, url string) {
	keep := false
	defer func() {
		if !keep {
			t.mu.Lock()
			delete(t.dialing, url)
			t.mu.Unlock()
		}
	}()

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(hsCtx, url, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPClient:   t.opts.HTTPClient,
	})
	if err != nil {
		t.log.Debug("ws.dial.fail", "url", url, "err", err)
		return
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	l := newLink(conn, true, url, t.opts.SendQueueSize)
	if err := t.sendHello(hsCtx, l); err != nil {
		if errors.Is(err, errDuplicateLink) {
			keep = true
			t.mu.Lock()
			t.dialing[url] = l.remote.ID
			t.mu.Unlock()
		}
		t.log.Debug("ws.dial.handshake.fail", "url", url, "err", err)
		_ = conn.Close(websocket.StatusPolicyViolation, trimReason(err.Error()))
		return
	}

	t.log.Info("ws.link.dialed", "peer", l.remote.String(), "url", url)
	t.emit(transport.Event{Kind: transport.EventPeerFound, Peer: l.remote, Info: cloneInfo(l.info)})
	t.run(t.ctx, l)
}

func (t *Transport) sendHello(ctx context.Context, l *link) error {
	t.mu.Lock()
	serviceType := t.browseType
	t.mu.Unlock()

	hello, err := newEnvelope(v1.TypeHello, v1.HelloPayload{PeerID: t.self.ID, Name: t.self.Name, ServiceType: serviceType})
	if err != nil {
		return err
	}
	if err := writeEnvelope(ctx, l.conn, hello, t.opts.WriteTimeout); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}

	env, err := readEnvelope(ctx, l.conn)
	if err != nil {
		return fmt.Errorf("read hello_ack: %w", err)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Type == v1.TypeError {
		var p v1.ErrorPayload
		if err := decodePayload(env, &p); err == nil && p.Code == codeDuplicateLink && p.Message != "" {
			l.remote = transport.PeerID{ID: p.Message}
			return errDuplicateLink
		}
		return fmt.Errorf("hello rejected: %s", env.Payload)
	}
	if env.Type != v1.TypeHelloAck {
		return fmt.Errorf("expected %s, got %s", v1.TypeHelloAck, env.Type)
	}
	var p v1.HelloAckPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if strings.TrimSpace(p.PeerID) == "" {
		return errors.New("missing field: peer_id")
	}
	if p.PeerID == t.self.ID {
		return errors.New("self link")
	}

	l.remote = transport.PeerID{ID: p.PeerID, Name: p.Name}
	l.info = p.Info
	return t.register(l)
}

// register makes l the link for its remote peer. A live session is never displaced; between
// two idle links the one dialed by the smaller peer id wins.
func (t *Transport) register(l *link) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}

	existing, ok := t.links[l.remote.ID]
	if ok {
		if existing.state != sessionIdle || existing.dialerID(t.self) == l.dialerID(t.self) {
			return errDuplicateLink
		}
		if l.dialerID(t.self) > existing.dialerID(t.self) {
			return errDuplicateLink
		}
		delete(t.links, l.remote.ID)
		go existing.close(websocket.StatusPolicyViolation, "duplicate link")
	}
	t.links[l.remote.ID] = l
	return nil
}

func (t *Transport) unregister(l *link) {
	t.mu.Lock()
	if t.links[l.remote.ID] == l {
		delete(t.links, l.remote.ID)
	}
	t.mu.Unlock()
}

// teardown reports the end of a link to the handler.
func (t *Transport) teardown(l *link) {
	t.mu.Lock()
	current := t.links[l.remote.ID] == l
	if current {
		delete(t.links, l.remote.ID)
	}
	wasActive := l.state == sessionConnected || l.state == sessionInviting
	l.stopInviteTimer()
	l.state = sessionIdle
	t.mu.Unlock()

	if !current {
		return
	}
	t.log.Info("ws.link.closed", "peer", l.remote.String())
	if wasActive {
		t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateNotConnected})
	}
	if l.dialed {
		t.emit(transport.Event{Kind: transport.EventPeerLost, Peer: l.remote})
	}
}

func (t *Transport) onInvite(l *link, p v1.InvitePayload) {
	t.mu.Lock()
	switch l.state {
	case sessionConnected, sessionInvited:
		t.mu.Unlock()
		return
	case sessionInviting:
		// Crossed invitations: the smaller peer id's invitation stands.
		if t.self.ID < l.remote.ID {
			t.mu.Unlock()
			return
		}
		l.stopInviteTimer()
	}
	l.state = sessionInvited
	t.mu.Unlock()

	var once sync.Once
	respond := func(accept bool) {
		once.Do(func() { t.answerInvite(l, accept) })
	}
	t.emit(transport.Event{
		Kind:    transport.EventInvitationReceived,
		Peer:    l.remote,
		Context: p.Context,
		Respond: respond,
	})
}

func (t *Transport) answerInvite(l *link, accept bool) {
	typ := v1.TypeInviteDecline
	if accept {
		typ = v1.TypeInviteAccept
	}
	env, err := newEnvelope(typ, nil)
	if err != nil {
		return
	}

	t.mu.Lock()
	if t.links[l.remote.ID] != l || l.state != sessionInvited {
		t.mu.Unlock()
		return
	}
	if !accept {
		l.state = sessionIdle
		t.mu.Unlock()
		_ = l.enqueue(env)
		return
	}
	if !l.enqueue(env) {
		l.state = sessionIdle
		t.mu.Unlock()
		return
	}
	l.state = sessionConnected
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateConnecting})
	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateConnected})
}

func (t *Transport) onInviteAnswer(l *link, accept bool) {
	t.mu.Lock()
	if l.state != sessionInviting {
		t.mu.Unlock()
		return
	}
	l.stopInviteTimer()
	st := transport.StateNotConnected
	if accept {
		l.state = sessionConnected
		st = transport.StateConnected
	} else {
		l.state = sessionIdle
	}
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: st})
}

func (t *Transport) expireInvite(l *link) {
	t.mu.Lock()
	if l.state != sessionInviting {
		t.mu.Unlock()
		return
	}
	l.inviteTimer = nil
	l.state = sessionIdle
	t.mu.Unlock()

	t.log.Info("ws.invite.timeout", "peer", l.remote.String())
	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateNotConnected})
}

func (t *Transport) onData(l *link, data []byte) {
	t.mu.Lock()
	connected := l.state == sessionConnected
	t.mu.Unlock()
	if !connected {
		t.log.Debug("ws.data.drop", "peer", l.remote.String(), "reason", "no session")
		return
	}
	t.emit(transport.Event{Kind: transport.EventDataReceived, Peer: l.remote, Data: data})
}

func (t *Transport) onBye(l *link) {
	t.mu.Lock()
	if l.state == sessionIdle {
		t.mu.Unlock()
		return
	}
	l.stopInviteTimer()
	l.state = sessionIdle
	t.mu.Unlock()

	t.emit(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.remote, State: transport.StateNotConnected})
	if l.dialed {
		// Still linked: the peer is discoverable again.
		t.emit(transport.Event{Kind: transport.EventPeerFound, Peer: l.remote, Info: cloneInfo(l.info)})
	}
}

func cloneInfo(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// trimReason keeps a close reason within the 123-byte WebSocket limit.
func trimReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
