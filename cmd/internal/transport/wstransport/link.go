package wstransport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"

	"nearby/cmd/internal/transport"
	v1 "nearby/shared/contracts/pairing/v1"
)

// sessionState is the invitation/connection state of one link. Guarded by Transport.mu.
type sessionState uint8

const (
	sessionIdle sessionState = iota
	sessionInviting
	sessionInvited
	sessionConnected
)

// link is one WebSocket between this device and one remote device.
//
// send is never closed; done signals the goroutines to stop.
type link struct {
	conn   *websocket.Conn
	dialed bool
	url    string

	remote transport.PeerID
	info   map[string]string

	send      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by Transport.mu.
	state       sessionState
	inviteTimer *time.Timer
}

func newLink(conn *websocket.Conn, dialed bool, url string, queue int) *link {
	if queue < minSendQueueSize {
		queue = minSendQueueSize
	}
	return &link{
		conn:   conn,
		dialed: dialed,
		url:    url,
		send:   make(chan v1.Envelope, queue),
		done:   make(chan struct{}),
	}
}

// Done returns a channel that is closed when the link is shutting down.
func (l *link) Done() <-chan struct{} { return l.done }

// close is idempotent.
func (l *link) close(code websocket.StatusCode, reason string) {
	l.closeOnce.Do(func() {
		close(l.done)
		_ = l.conn.Close(code, reason)
	})
}

// enqueue never blocks; a full queue drops the envelope and reports false.
func (l *link) enqueue(env v1.Envelope) bool {
	select {
	case <-l.done:
		return false
	case l.send <- env:
		return true
	default:
		return false
	}
}

func (l *link) stopInviteTimer() {
	if l.inviteTimer != nil {
		l.inviteTimer.Stop()
		l.inviteTimer = nil
	}
}

// dialerID is the peer id of the side that opened the link.
func (l *link) dialerID(self transport.PeerID) string {
	if l.dialed {
		return self.ID
	}
	return l.remote.ID
}

func (t *Transport) runWriter(ctx context.Context, l *link) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case env := <-l.send:
			if err := writeEnvelope(ctx, l.conn, env, t.opts.WriteTimeout); err != nil {
				t.log.Info("ws.write.fail", "peer", l.remote.String(), "close_status", websocket.CloseStatus(err), "err", err)
				l.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (t *Transport) runHeartbeat(ctx context.Context, l *link) {
	tk := time.NewTicker(t.opts.HeartbeatEvery)
	defer tk.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-tk.C:
			hbCtx, hbCancel := context.WithTimeout(ctx, t.opts.HeartbeatTimeout)
			err := l.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				t.log.Info("ws.ping.fail", "peer", l.remote.String(), "failures", failures, "err", err)
				if failures >= maxPingFailures {
					l.close(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// run serves an established link until either side closes it.
func (t *Transport) run(parent context.Context, l *link) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.runWriter(ctx, l)
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t.runHeartbeat(ctx, l)
	}()

	rl := newRateLimiter(t.opts.RateEvents, t.opts.RateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, t.opts.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, l.conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				l.close(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				l.close(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				l.close(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				t.trySendError(l, "bad_json", "invalid JSON")
				continue readLoop
			default:
				t.log.Info("ws.read.fail", "peer", l.remote.String(), "err", err)
				l.close(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			t.trySendError(l, "rate_limited", "too many events")
			l.close(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			t.trySendError(l, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeInvite:
			var p v1.InvitePayload
			if err := decodePayload(env, &p); err != nil {
				t.trySendError(l, "bad_payload", err.Error())
				continue readLoop
			}
			t.onInvite(l, p)

		case v1.TypeInviteAccept:
			t.onInviteAnswer(l, true)

		case v1.TypeInviteDecline:
			t.onInviteAnswer(l, false)

		case v1.TypeData:
			var p v1.DataPayload
			if err := decodePayload(env, &p); err != nil {
				t.trySendError(l, "bad_payload", err.Error())
				continue readLoop
			}
			t.onData(l, p.Data)

		case v1.TypeBye:
			t.onBye(l)

		case v1.TypeError:
			var p v1.ErrorPayload
			_ = decodePayload(env, &p)
			t.log.Info("ws.remote.error", "peer", l.remote.String(), "code", p.Code, "message", p.Message)

		default:
			t.trySendError(l, "unexpected", "unexpected type: "+env.Type)
		}
	}

	l.close(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}

	t.teardown(l)
}

func (t *Transport) trySendError(l *link, code, msg string) {
	env, err := newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	_ = l.enqueue(env)
}
