package types

import "time"

// BackendStatus is the latest reachability probe result.
type BackendStatus struct {
	Addr      string        `json:"addr"`
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ns"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// StatusReport is served on /status.
type StatusReport struct {
	Backend        BackendStatus    `json:"backend"`
	ActiveSessions int              `json:"active_sessions"`
	Counters       map[string]int64 `json:"counters"`
	Uptime         string           `json:"uptime"`
}
