// Package coordinator composes peer admission, token exchange, and the ranging session into
// one serialized owner.
//
// Transport and engine callbacks arrive on their own goroutines. They are appended to an
// unbounded mailbox and applied one at a time by the coordinator loop, so a callback never
// blocks its caller and never runs concurrently with another. Readers get an immutable State
// published through an atomic pointer after every applied event.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nearby/cmd/internal/codec"
	"nearby/cmd/internal/exchange"
	"nearby/cmd/internal/peer"
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/transport"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("coordinator: closed")

// Config holds the coordinator's own settings.
type Config struct {
	// ServiceType is the transport service both devices advertise and browse.
	ServiceType string

	// ServiceIdentity is the tag advertised in discovery info; only matching peers are invited.
	ServiceIdentity string

	// DeviceID is this device's durable identifier, shared with the peer after connecting.
	DeviceID string

	// InviteTimeout bounds each outgoing invitation.
	InviteTimeout time.Duration
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServiceType) == "" {
		return errors.New("coordinator: service type is required")
	}
	if strings.TrimSpace(c.ServiceIdentity) == "" {
		return errors.New("coordinator: service identity is required")
	}
	if c.InviteTimeout <= 0 {
		return errors.New("coordinator: invite timeout must be > 0")
	}
	return nil
}

// Options carries the collaborators. Transport and Engine are required.
type Options struct {
	Log       *slog.Logger
	Transport transport.Transport
	Engine    ranging.Engine

	// Codec defaults to codec.New().
	Codec *codec.Codec

	Observer Observer
	Now      func() time.Time
}

type event struct {
	transport *transport.Event
	ranging   *ranging.Event
	start     chan error
}

// Coordinator is the session coordinator.
type Coordinator struct {
	log *slog.Logger
	cfg Config
	tr  transport.Transport
	obs Observer
	now func() time.Time

	mu      sync.Mutex
	mailbox []event
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	loopOnce  sync.Once
	loopDone  chan struct{}
	looping   atomic.Bool
	closeOnce sync.Once

	snapshot atomic.Pointer[State]

	// Owned by the loop.
	admission   *peer.Controller
	session     *ranging.Session
	exchange    *exchange.Protocol
	advertising bool
	browsing    bool
	started     bool
	lost        bool
	distance    *float64
	direction   *ranging.Vector
}

// New builds a Coordinator. It fails with ranging.ErrEngineUnavailable or codec.ErrUnavailable
// when the device cannot range at all; there is no degraded mode in that case.
func New(cfg Config, opts Options) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, errors.New("coordinator: transport is required")
	}

	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	log = log.With("component", "coordinator")

	cdc := opts.Codec
	if cdc == nil {
		var err error
		if cdc, err = codec.New(); err != nil {
			return nil, err
		}
	}

	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		log:      log,
		cfg:      cfg,
		tr:       opts.Transport,
		obs:      obs,
		now:      now,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	s, err := ranging.NewSession(log, opts.Engine, c.HandleRangingEvent)
	if err != nil {
		return nil, err
	}
	c.session = s
	c.admission = peer.NewController(log, cfg.ServiceIdentity)
	c.exchange = exchange.New(log, cdc, opts.Transport)

	c.tr.SetHandler(c)
	c.publish()
	return c, nil
}

// Start brings up advertising, browsing, and the ranging session. Calling it again only
// restores what is not running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.loopOnce.Do(func() {
		c.looping.Store(true)
		go c.loop()
	})

	reply := make(chan error, 1)
	if !c.post(event{start: reply}) {
		return ErrClosed
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.loopDone:
		return ErrClosed
	}
}

// HandleTransportEvent implements transport.Handler. It never blocks.
func (c *Coordinator) HandleTransportEvent(ev transport.Event) {
	if !c.post(event{transport: &ev}) && ev.Kind == transport.EventInvitationReceived && ev.Respond != nil {
		ev.Respond(false)
	}
}

// HandleRangingEvent queues an engine event. It never blocks.
func (c *Coordinator) HandleRangingEvent(ev ranging.Event) {
	c.post(event{ranging: &ev})
}

// CurrentState returns the latest published snapshot. It never blocks.
func (c *Coordinator) CurrentState() State {
	return *c.snapshot.Load()
}

// Started reports whether Start has completed successfully at least once.
func (c *Coordinator) Started() bool {
	return c.CurrentState().Started
}

// Close stops advertising and browsing and releases the engine instance and the peer slot.
// Events delivered afterwards are dropped.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mailbox = nil
		c.mu.Unlock()

		close(c.done)
		if c.looping.Load() {
			<-c.loopDone
		}

		c.tr.StopBrowsing()
		c.tr.StopAdvertising()
		c.advertising = false
		c.browsing = false
		c.session.Close()
		c.admission.Release()
		c.exchange.ResetConnection()
		c.lost = false
		c.distance = nil
		c.direction = nil
		c.started = false
		c.publish()
		c.log.Info("coordinator.closed")
	})
	return nil
}

func (c *Coordinator) post(ev event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mailbox = append(c.mailbox, ev)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Coordinator) take() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.mailbox
	c.mailbox = nil
	return batch
}

func (c *Coordinator) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}
		if !c.drain() {
			return
		}
	}
}

// drain applies queued events until the mailbox is empty. It reports false once closed.
func (c *Coordinator) drain() bool {
	for {
		batch := c.take()
		if len(batch) == 0 {
			return true
		}
		for _, ev := range batch {
			select {
			case <-c.done:
				if ev.start != nil {
					ev.start <- ErrClosed
				}
				return false
			default:
			}
			c.apply(ev)
		}
	}
}

func (c *Coordinator) apply(ev event) {
	switch {
	case ev.start != nil:
		ev.start <- c.start()
	case ev.transport != nil:
		c.handleTransport(*ev.transport)
	case ev.ranging != nil:
		c.handleRanging(*ev.ranging)
	}
	c.publish()
}

func (c *Coordinator) start() error {
	if !c.advertising {
		info := map[string]string{transport.DiscoveryIdentityKey: c.cfg.ServiceIdentity}
		if err := c.tr.StartAdvertising(c.cfg.ServiceType, info); err != nil {
			return fmt.Errorf("coordinator: start advertising: %w", err)
		}
		c.advertising = true
	}
	if !c.browsing {
		if err := c.tr.StartBrowsing(c.cfg.ServiceType); err != nil {
			return fmt.Errorf("coordinator: start browsing: %w", err)
		}
		c.browsing = true
	}
	if err := c.ensureSession(); err != nil {
		return err
	}
	if !c.started {
		c.started = true
		c.log.Info("coordinator.started", "service_type", c.cfg.ServiceType)
	}
	return nil
}

// ensureSession starts a ranging instance when none is live.
func (c *Coordinator) ensureSession() error {
	switch c.session.State() {
	case ranging.StateIdle, ranging.StateInvalidated:
	default:
		return nil
	}
	if err := c.session.Start(); err != nil {
		return err
	}
	c.afterLocalToken()
	return nil
}

func (c *Coordinator) publish() {
	st := State{
		SessionState:     c.session.State().String(),
		PeerState:        "none",
		ConnectionLost:   c.lost,
		InvitationClosed: c.admission.Connected(),
		Started:          c.started,
		UpdatedAt:        c.now().UTC(),
	}

	if h := c.admission.Bound(); h != nil {
		st.PeerName = h.Name()
		st.PeerDeviceID = h.RemoteDeviceID
		st.PeerState = h.State.String()
	}
	if c.distance != nil {
		st.Distance = floatPtr(*c.distance)
	}
	if c.direction != nil {
		st.DirectionAvailable = true
		st.DirectionAngle = floatPtr(angleFor(c.direction.X))
	}

	c.snapshot.Store(&st)
}
