package realtime

import "time"

// Transport limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
)

// maxSyncBacklog bounds the broadcasts parked for one session while it receives
// its catch-up. Overflow closes the session; the client resumes through recovery.
const maxSyncBacklog = 1024
