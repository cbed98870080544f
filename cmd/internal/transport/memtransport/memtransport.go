// Package memtransport is an in-process proximity transport. Every Node joined to the same
// Fabric can discover, invite, and message every other Node.
//
// Events are delivered asynchronously and in order on a per-node goroutine, the way a radio
// stack calls back on its own queue.
package memtransport

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"nearby/cmd/internal/transport"
)

type linkKey struct{ a, b string }

func keyOf(x, y string) linkKey {
	if x > y {
		x, y = y, x
	}
	return linkKey{a: x, b: y}
}

type link struct {
	inviter, invitee *Node
	connected        bool
	answered         bool
	timer            *time.Timer
}

// Fabric is the shared medium.
type Fabric struct {
	log *slog.Logger

	mu    sync.Mutex
	nodes map[string]*Node
	links map[linkKey]*link
}

// NewFabric constructs an empty Fabric.
func NewFabric(log *slog.Logger) *Fabric {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fabric{
		log:   log,
		nodes: make(map[string]*Node),
		links: make(map[linkKey]*link),
	}
}

// Join adds a device named name and returns its transport.
func (f *Fabric) Join(name string) *Node {
	n := &Node{
		fabric: f,
		id:     transport.PeerID{ID: uuid.NewString(), Name: name},
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.dispatch()

	f.mu.Lock()
	f.nodes[n.id.ID] = n
	f.mu.Unlock()
	return n
}

// Node is one device on the Fabric. It implements transport.Transport.
type Node struct {
	fabric *Fabric
	id     transport.PeerID

	// Guarded by fabric.mu.
	advertising bool
	browsing    bool
	serviceType string
	browseType  string
	info        map[string]string

	qmu     sync.Mutex
	handler transport.Handler
	queue   []transport.Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

var _ transport.Transport = (*Node)(nil)

// ID returns the node's transport identity.
func (n *Node) ID() transport.PeerID { return n.id }

// SetHandler implements transport.Transport.
func (n *Node) SetHandler(h transport.Handler) {
	n.qmu.Lock()
	n.handler = h
	n.qmu.Unlock()
}

// StartAdvertising implements transport.Transport.
func (n *Node) StartAdvertising(serviceType string, info map[string]string) error {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.closed() {
		return transport.ErrClosed
	}

	n.advertising = true
	n.serviceType = serviceType
	n.info = cloneInfo(info)

	for _, other := range f.nodes {
		if other != n && other.browsing && other.browseType == serviceType {
			other.deliver(transport.Event{Kind: transport.EventPeerFound, Peer: n.id, Info: cloneInfo(info)})
		}
	}
	return nil
}

// StartBrowsing implements transport.Transport.
func (n *Node) StartBrowsing(serviceType string) error {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.closed() {
		return transport.ErrClosed
	}

	n.browsing = true
	n.browseType = serviceType

	for _, other := range f.nodes {
		if other != n && other.advertising && other.serviceType == serviceType {
			n.deliver(transport.Event{Kind: transport.EventPeerFound, Peer: other.id, Info: cloneInfo(other.info)})
		}
	}
	return nil
}

// StopAdvertising implements transport.Transport. Browsers lose sight of the node; open
// connections stay up.
func (n *Node) StopAdvertising() {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if !n.advertising {
		return
	}
	n.advertising = false

	for _, other := range f.nodes {
		if other != n && other.browsing && other.browseType == n.serviceType {
			other.deliver(transport.Event{Kind: transport.EventPeerLost, Peer: n.id})
		}
	}
}

// StopBrowsing implements transport.Transport.
func (n *Node) StopBrowsing() {
	f := n.fabric
	f.mu.Lock()
	n.browsing = false
	f.mu.Unlock()
}

// Invite implements transport.Transport. A second invite for a pair that already has a
// pending or open link is a no-op.
func (n *Node) Invite(peer transport.PeerID, context []byte, timeout time.Duration) error {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.closed() {
		return transport.ErrClosed
	}

	target, ok := f.nodes[peer.ID]
	if !ok || !target.advertising {
		return transport.ErrUnknownPeer
	}
	k := keyOf(n.id.ID, target.id.ID)
	if _, exists := f.links[k]; exists {
		return nil
	}

	l := &link{inviter: n, invitee: target}
	f.links[k] = l
	if timeout > 0 {
		l.timer = time.AfterFunc(timeout, func() { f.expire(k, l) })
	}

	n.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: target.id, State: transport.StateConnecting})
	target.deliver(transport.Event{
		Kind:    transport.EventInvitationReceived,
		Peer:    n.id,
		Context: append([]byte(nil), context...),
		Respond: func(accept bool) { f.answer(k, l, accept) },
	})
	f.log.Debug("memtransport.invite", "from", n.id.String(), "to", target.id.String())
	return nil
}

// Send implements transport.Transport. Delivery is reliable for every mode.
func (n *Node) Send(data []byte, to []transport.PeerID, _ transport.Reliability) error {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.closed() {
		return transport.ErrClosed
	}

	delivered := 0
	for _, p := range to {
		l, ok := f.links[keyOf(n.id.ID, p.ID)]
		if !ok || !l.connected {
			continue
		}
		l.other(n).deliver(transport.Event{
			Kind: transport.EventDataReceived,
			Peer: n.id,
			Data: append([]byte(nil), data...),
		})
		delivered++
	}
	if delivered == 0 {
		return transport.ErrNotConnected
	}
	return nil
}

// ConnectedPeers implements transport.Transport.
func (n *Node) ConnectedPeers() []transport.PeerID {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []transport.PeerID
	for _, l := range f.links {
		if l.connected && (l.inviter == n || l.invitee == n) {
			out = append(out, l.other(n).id)
		}
	}
	return out
}

// Disconnect implements transport.Transport.
func (n *Node) Disconnect(peer transport.PeerID) {
	f := n.fabric
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop(keyOf(n.id.ID, peer.ID))
}

// Close leaves the Fabric. Open links are dropped and queued events are discarded.
func (n *Node) Close() {
	f := n.fabric
	f.mu.Lock()
	n.advertising = false
	n.browsing = false
	for k, l := range f.links {
		if l.inviter == n || l.invitee == n {
			f.drop(k)
		}
	}
	delete(f.nodes, n.id.ID)
	f.mu.Unlock()

	n.once.Do(func() { close(n.done) })
}

// Sever drops the link between a and b as if the radio went out of range.
func (f *Fabric) Sever(a, b transport.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop(keyOf(a.ID, b.ID))
}

func (f *Fabric) answer(k linkKey, l *link, accept bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.links[k] != l || l.answered {
		return
	}
	l.answered = true
	if l.timer != nil {
		l.timer.Stop()
	}

	if !accept {
		delete(f.links, k)
		l.inviter.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.invitee.id, State: transport.StateNotConnected})
		return
	}

	l.connected = true
	l.invitee.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.inviter.id, State: transport.StateConnecting})
	l.invitee.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.inviter.id, State: transport.StateConnected})
	l.inviter.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.invitee.id, State: transport.StateConnected})
}

func (f *Fabric) expire(k linkKey, l *link) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.links[k] != l || l.answered {
		return
	}
	l.answered = true
	delete(f.links, k)
	f.log.Debug("memtransport.invite.timeout", "from", l.inviter.id.String(), "to", l.invitee.id.String())
	l.inviter.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.invitee.id, State: transport.StateNotConnected})
}

// drop removes a link. Callers hold f.mu.
func (f *Fabric) drop(k linkKey) {
	l, ok := f.links[k]
	if !ok {
		return
	}
	delete(f.links, k)
	if l.timer != nil {
		l.timer.Stop()
	}
	if !l.connected {
		if !l.answered {
			l.inviter.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.invitee.id, State: transport.StateNotConnected})
		}
		return
	}
	l.inviter.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.invitee.id, State: transport.StateNotConnected})
	l.invitee.deliver(transport.Event{Kind: transport.EventPeerStateChanged, Peer: l.inviter.id, State: transport.StateNotConnected})

	// Both radios are still in range of each other's advertisement.
	rediscover(l.inviter, l.invitee)
	rediscover(l.invitee, l.inviter)
}

func rediscover(browser, adv *Node) {
	if browser.closed() || adv.closed() {
		return
	}
	if browser.browsing && adv.advertising && adv.serviceType == browser.browseType {
		browser.deliver(transport.Event{Kind: transport.EventPeerFound, Peer: adv.id, Info: cloneInfo(adv.info)})
	}
}

func (l *link) other(n *Node) *Node {
	if l.inviter == n {
		return l.invitee
	}
	return l.inviter
}

func (n *Node) closed() bool {
	select {
	case <-n.done:
		return true
	default:
		return false
	}
}

func (n *Node) deliver(ev transport.Event) {
	n.qmu.Lock()
	n.queue = append(n.queue, ev)
	n.qmu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) dispatch() {
	for {
		select {
		case <-n.done:
			return
		case <-n.wake:
		}

		for {
			n.qmu.Lock()
			batch, h := n.queue, n.handler
			n.queue = nil
			n.qmu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, ev := range batch {
				if n.closed() {
					return
				}
				if h != nil {
					h.HandleTransportEvent(ev)
				}
			}
		}
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
