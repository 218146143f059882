package realtime

import "time"

const wsSubprotocolV1 = "parley.chat.v1"

// Hard limits. These are not configurable: they bound what a single
// connection can cost regardless of deployment tuning.
const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes).
	maxMessageChars = 4000

	// Smallest admissible per-connection send queue. Queues below this drop
	// broadcasts under entirely ordinary bursts.
	wsMinSendQueueSize = 32

	// Consecutive ping failures before the connection is declared dead.
	wsMaxPingFailures = 3

	// How long HandleWS waits for the heartbeat goroutine after close.
	wsCloseGrace = 1 * time.Second
)

// Defaults substituted by GatewayConfig.withDefaults for zeroed tunables.
const (
	wsDefaultSendQueueSize = 256

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultHelloWindow  = 10 * time.Second

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Only localhost origins are admitted unless configured otherwise.
var wsDefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
