package engine

import "fmt"

// State is the engine's connectivity state.
type State string

const (
	// StateOffline means no remote access. Pushes are queued.
	StateOffline State = "OFFLINE"
	// StateSyncingInitial means a full pull is in progress after coming online.
	StateSyncingInitial State = "SYNCING_INITIAL"
	// StateLive means subscriptions are attached and the queue is empty.
	StateLive State = "LIVE"
	// StateRetrying means the remote is reachable but queue entries remain.
	StateRetrying State = "RETRYING"
)

var allStates = []string{
	string(StateOffline),
	string(StateSyncingInitial),
	string(StateLive),
	string(StateRetrying),
}

// Status is a snapshot of the engine for status displays.
type Status struct {
	State       State  `json:"state"`
	Pending     int    `json:"pending"`
	DeadLetters int    `json:"dead_letters"`
	OfflineMode bool   `json:"offline_mode"`
	Session     string `json:"session"`
}

// Indicator renders the status the way the till shows it: offline, syncing,
// pending(N) or synced.
func (s Status) Indicator() string {
	switch {
	case s.State == StateOffline || s.OfflineMode:
		return "offline"
	case s.State == StateSyncingInitial:
		return "syncing"
	case s.Pending > 0:
		return fmt.Sprintf("pending(%d)", s.Pending)
	}
	return "synced"
}
