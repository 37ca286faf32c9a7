package bus

// Environment lifecycle topics.
const (
	TopicEnvCreated      = "env.created"
	TopicEnvStateChanged = "env.state_changed"
	TopicEnvDeleted      = "env.deleted"
	TopicEnvError        = "env.error"
)

// Shell bridge topics.
const (
	TopicBridgeConnected    = "bridge.connected"
	TopicBridgeDisconnected = "bridge.disconnected"
	TopicBridgeSuperseded   = "bridge.superseded"
)

// Idle reaper topics.
const (
	TopicReaperStopped = "reaper.stopped"
	TopicReaperSweep   = "reaper.sweep"
)

// EnvStateChanged is published on every registry status transition.
type EnvStateChanged struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// EnvRef identifies an environment in created/deleted events.
type EnvRef struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
	Sandbox     string `json:"sandbox,omitempty"`
}

// EnvError carries a bootstrap or reconciliation diagnostic.
type EnvError struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
	Error       string `json:"error"`
}

// BridgeEvent describes a shell bridge connecting, disconnecting or being replaced.
type BridgeEvent struct {
	Project     string `json:"project"`
	Environment string `json:"environment"`
	ConnID      string `json:"conn_id"`
	Reason      string `json:"reason,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// ReaperSweep summarizes one reaper pass.
type ReaperSweep struct {
	Candidates int `json:"candidates"`
	Stopped    int `json:"stopped"`
	Errors     int `json:"errors"`
}
