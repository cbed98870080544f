package coordinator

import (
	"errors"

	"nearby/cmd/internal/codec"
	"nearby/cmd/internal/exchange"
	"nearby/cmd/internal/peer"
	"nearby/cmd/internal/ranging"
	"nearby/cmd/internal/transport"
)

func (c *Coordinator) handleTransport(ev transport.Event) {
	switch ev.Kind {
	case transport.EventPeerFound:
		c.onPeerFound(ev)
	case transport.EventPeerLost:
		if c.admission.OnPeerLost(ev.Peer) {
			c.lost = true
		}
	case transport.EventInvitationReceived:
		c.onInvitation(ev)
	case transport.EventPeerStateChanged:
		c.onPeerState(ev.Peer, ev.State)
	case transport.EventDataReceived:
		c.onData(ev.Peer, ev.Data)
	default:
		c.log.Debug("transport.event.unknown", "kind", ev.Kind.String())
	}
}

func (c *Coordinator) onPeerFound(ev transport.Event) {
	if c.admission.IsBound(ev.Peer) && c.admission.Connected() {
		c.lost = false
	}
	if err := c.admission.OnPeerFound(ev.Peer, ev.Info, len(c.tr.ConnectedPeers())); err != nil {
		c.obs.Admission("rejected")
		return
	}
	if err := c.tr.Invite(ev.Peer, nil, c.cfg.InviteTimeout); err != nil {
		c.log.Warn("peer.invite.failed", "peer", ev.Peer.String(), "err", err)
		return
	}
	c.obs.Admission("invited")
	c.log.Info("peer.invite", "peer", ev.Peer.String())
}

func (c *Coordinator) onInvitation(ev transport.Event) {
	err := c.admission.OnInvitation(ev.Peer, len(c.tr.ConnectedPeers()))
	if ev.Respond != nil {
		ev.Respond(err == nil)
	}
	if err != nil {
		c.obs.Admission("declined")
		return
	}
	c.obs.Admission("accepted")
	c.log.Info("peer.invitation.accept", "peer", ev.Peer.String())
}

func (c *Coordinator) onPeerState(p transport.PeerID, st transport.PeerState) {
	prev := c.admission.Bound()
	out := c.admission.OnStateChanged(p, st)
	switch out {
	case peer.OutcomeIgnored:
		return

	case peer.OutcomeConnecting:
		c.obs.Admission(out.String())
		c.forgetPrevious(prev, p)

	case peer.OutcomePromoted:
		c.obs.Admission(out.String())
		c.obs.Connected(true)
		c.lost = false
		c.exchange.ResetConnection()
		c.forgetPrevious(prev, p)

		if err := c.ensureSession(); err != nil {
			c.log.Error("ranging.session.start_failed", "err", err)
		}
		c.shareIdentity()
		c.shareToken()
		c.bindRemote()

	case peer.OutcomeRejected:
		c.obs.Admission(out.String())
		c.tr.Disconnect(p)

	case peer.OutcomeLost:
		c.obs.Admission(out.String())
		c.obs.Connected(false)
		c.lost = true
	}
}

// forgetPrevious drops what belonged to prev once p has taken the slot. An engine still bound
// to prev's token is replaced, so no update reaches the snapshot until p's token is bound.
func (c *Coordinator) forgetPrevious(prev *peer.Handle, p transport.PeerID) {
	if prev != nil && prev.ID.ID == p.ID {
		return
	}
	c.distance = nil
	c.direction = nil
	if len(c.session.PeerToken()) > 0 {
		c.restart("peer changed")
	}
}

func (c *Coordinator) onData(from transport.PeerID, data []byte) {
	res, err := c.exchange.Receive(from, c.admission.Bound(), data)
	switch {
	case err == nil:
	case errors.Is(err, exchange.ErrForeignSender):
		c.obs.Exchange(ExchangeForeignSender)
		c.log.Debug("exchange.drop", "peer", from.String(), "reason", "foreign sender")
		return
	case codec.IsCodecError(err):
		c.obs.Exchange(ExchangeCodecError)
		c.log.Warn("exchange.drop", "peer", from.String(), "err", err)
		return
	default:
		c.log.Warn("exchange.drop", "peer", from.String(), "err", err)
		return
	}

	switch res.Kind {
	case codec.KindIdentifier:
		c.obs.Exchange(ExchangeIdentityReceived)

	case codec.KindToken:
		c.obs.Exchange(ExchangeTokenReceived)
		if res.Replaced {
			// The peer restarted its engine and needs our token again.
			c.obs.Exchange(ExchangeRebound)
			c.exchange.ResetRound()
		}
		c.bindRemote()
		c.shareToken()
	}
}

func (c *Coordinator) handleRanging(ev ranging.Event) {
	if !c.session.Current(ev.Generation) {
		c.log.Debug("ranging.event.stale", "kind", ev.Kind.String(), "generation", ev.Generation)
		return
	}
	c.obs.Engine(ev.Kind.String())

	switch ev.Kind {
	case ranging.EventTokenReady:
		c.session.TokenReady(ev.Generation)
		c.afterLocalToken()

	case ranging.EventUpdated:
		c.onUpdate(ev)

	case ranging.EventSuspended:
		if err := c.session.Suspend(ev.Generation); err != nil {
			c.log.Debug("ranging.suspend.ignored", "err", err)
		}

	case ranging.EventResumed:
		if _, err := c.session.Resume(ev.Generation); err != nil {
			c.log.Warn("ranging.resume.failed", "err", err)
			return
		}
		c.exchange.ResetRound()
		c.shareToken()

	case ranging.EventInvalidated, ranging.EventPeerRemoved:
		c.restart(ev.Kind.String() + ": " + ev.Reason)
	}
}

func (c *Coordinator) onUpdate(ev ranging.Event) {
	if c.session.State() != ranging.StateActiveBound || !c.admission.Connected() || c.lost {
		return
	}
	c.distance = floatPtr(ev.Distance)
	if ev.Direction != nil {
		d := *ev.Direction
		c.direction = &d
	} else {
		c.direction = nil
	}
	c.obs.Distance(ev.Distance)
}

// restart replaces an invalidated engine instance and forgets the peer's token so the
// exchange runs again against the new instance.
func (c *Coordinator) restart(reason string) {
	if h := c.admission.Bound(); h != nil {
		h.RemoteToken = nil
	}
	c.exchange.ResetRound()
	c.distance = nil
	c.direction = nil

	if err := c.session.Restart(reason); err != nil {
		c.log.Error("ranging.session.restart_failed", "reason", reason, "err", err)
		return
	}
	c.afterLocalToken()
}

func (c *Coordinator) afterLocalToken() {
	if !c.session.HasLocalToken() {
		return
	}
	c.shareToken()
	c.bindRemote()
}

// bindRemote runs the engine against the bound peer's token while the peer is Connected.
func (c *Coordinator) bindRemote() {
	h := c.admission.Bound()
	if h == nil || h.State != peer.Connected || len(h.RemoteToken) == 0 {
		return
	}
	ran, err := c.session.Bind(h.RemoteToken)
	switch {
	case errors.Is(err, ranging.ErrNoSession):
		c.log.Debug("ranging.bind.deferred", "peer", h.ID.String())
	case err != nil:
		c.log.Warn("ranging.bind.failed", "peer", h.ID.String(), "err", err)
	case ran:
		c.log.Info("ranging.bind", "peer", h.ID.String())
	}
}

func (c *Coordinator) shareToken() {
	h := c.admission.Bound()
	if h == nil || h.State != peer.Connected || !c.session.HasLocalToken() {
		return
	}
	sent, err := c.exchange.ShareToken(c.session.LocalToken(), []transport.PeerID{h.ID})
	switch {
	case err == nil:
		if sent {
			c.obs.Exchange(ExchangeTokenSent)
		}
	case errors.Is(err, exchange.ErrNotReady):
	default:
		c.obs.Exchange(ExchangeSendFailed)
		c.log.Warn("exchange.token.send_failed", "peer", h.ID.String(), "err", err)
	}
}

func (c *Coordinator) shareIdentity() {
	h := c.admission.Bound()
	if h == nil || h.State != peer.Connected || c.cfg.DeviceID == "" {
		return
	}
	sent, err := c.exchange.ShareIdentity(c.cfg.DeviceID, []transport.PeerID{h.ID})
	switch {
	case err == nil:
		if sent {
			c.obs.Exchange(ExchangeIdentitySent)
		}
	case errors.Is(err, exchange.ErrNotReady):
	default:
		c.obs.Exchange(ExchangeSendFailed)
		c.log.Info("exchange.identity.send_failed", "peer", h.ID.String(), "err", err)
	}
}
