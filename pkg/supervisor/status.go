// Package supervisor owns the child process running the LLM CLI for one
// agent: it spawns the process, translates its newline-delimited JSON output
// into events, watches for stalls and crashes, and exposes start/send/
// pause/resume/destroy.
package supervisor

// Status is an agent's execution state as driven by its child process.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusIdle         Status = "idle"
	StatusPaused       Status = "paused"
	StatusStalled      Status = "stalled"
	StatusRestored     Status = "restored"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
	StatusDestroyed    Status = "destroyed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDestroyed
}

// Pausable reports whether pause() is legal from this state.
func (s Status) Pausable() bool {
	return s == StatusRunning || s == StatusIdle || s == StatusStalled
}
