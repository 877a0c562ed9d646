package control

// StartedBy records which surface launched a tracked session.
type StartedBy string

const (
	StartedByDaemon   StartedBy = "daemon"
	StartedByTerminal StartedBy = "terminal"
)

// Session is one supervised agent session. SessionID stays empty until the
// agent process completes its startup handshake via /session-started.
type Session struct {
	StartedBy StartedBy `json:"startedBy"`
	SessionID string    `json:"sessionId,omitempty"`
	PID       int       `json:"pid"`
}

// SpawnResult is the outcome of the spawn collaborator.
type SpawnResult struct {
	SessionID     string
	PID           int
	NeedsApproval bool
	Err           error
}

// Hooks is the capability set the server depends on, supplied by the daemon
// process that owns it.
type Hooks interface {
	// SpawnSession launches an agent session in directory. A missing
	// directory that needs user approval is reported via
	// SpawnResult.NeedsApproval rather than an error.
	SpawnSession(directory, sessionID string) SpawnResult
	// StopSession stops a tracked session. Returns false when the session
	// is unknown or already stopped.
	StopSession(sessionID string) bool
	// SessionStarted is the webhook invoked when a session reports itself.
	SessionStarted(sess Session)
	// RequestShutdown asks the daemon to exit.
	RequestShutdown()
}

type sessionStartedRequest struct {
	SessionID string            `json:"sessionId"`
	PID       int               `json:"pid"`
	StartedBy StartedBy         `json:"startedBy,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type stopSessionRequest struct {
	SessionID string `json:"sessionId"`
}

type spawnSessionRequest struct {
	Directory string `json:"directory"`
	SessionID string `json:"sessionId,omitempty"`
}

type eventsRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status        string           `json:"status"` // healthy | degraded | unhealthy
	UptimeSeconds float64          `json:"uptimeSeconds"`
	SessionCount  int              `json:"sessionCount"`
	Memory        MemoryStats      `json:"memory"`
	RateLimit     RateLimitMetrics `json:"rateLimit"`
}

// MemoryStats is a snapshot of heap usage.
type MemoryStats struct {
	HeapAllocBytes  uint64  `json:"heapAllocBytes"`
	HeapSysBytes    uint64  `json:"heapSysBytes"`
	HeapUtilization float64 `json:"heapUtilization"`
	NumGoroutine    int     `json:"numGoroutine"`
}
