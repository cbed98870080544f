package wstransport

import "time"

// Link limits.
const (
	// Max bytes per websocket frame read (hard limit). Tokens are far smaller.
	maxFrameBytes = 64 << 10 // 64 KiB

	handshakeTimeout = 5 * time.Second
	closeGrace       = 1 * time.Second

	maxPingFailures = 3
)

// Defaults for Options.
const (
	defaultBrowseInterval = 2 * time.Second

	defaultSendQueueSize = 64
	minSendQueueSize     = 16

	defaultWriteTimeout = 5 * time.Second
	defaultReadIdle     = 2 * time.Minute

	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second

	// Per-link inbound rate limit (envelopes per window).
	defaultRateEvents = 120
	defaultRateWindow = 10 * time.Second
)
