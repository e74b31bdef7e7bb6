// Package model defines the core domain types for seisq.
//
// seisq drives a seismic visualization engine that cannot be reached
// directly. Producers append commands to a shared durable queue; a single
// listener process next to the engine claims them one at a time, applies
// them, and writes the outcome back. Two ideas carry the design:
//
//   - The queue IS the communication channel. Producers and the listener
//     never talk to each other; they read and write the same store, and the
//     store's atomic claim is the only coordination primitive.
//
//   - Engine state is captured as plain value snapshots. The engine exposes
//     no undo, so the listener keeps its own bounded history of snapshots
//     and restores them on request.
package model

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a queued command.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusClaimed    Status = "claimed"
	StatusProcessing Status = "processing"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusClaimed, StatusProcessing, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
// Transitions are monotonic: queued -> claimed -> processing ->
// {executed|failed}. A claimed command may also fail directly (rejected
// at dispatch time before processing starts).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusClaimed
	case StatusClaimed:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusExecuted || next == StatusFailed
	}
	return false
}

// ParseStatus converts a stored status string back to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown command status %q", s)
	}
	return st, nil
}

// Command is a single queued engine command.
type Command struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Seq        int64          `json:"seq"`
	Method     string         `json:"method"`
	Params     map[string]any `json:"params"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	Status     Status         `json:"status"`
	Owner      string         `json:"owner,omitempty"`
	ClaimedAt  *time.Time     `json:"claimed_at,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// UserSession tracks a producer identity. Sessions only partition the
// queue; no user can see another user's commands.
type UserSession struct {
	UserID    string    `json:"user_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Active    bool      `json:"active"`
}

// SessionWindow is how recently a user must have enqueued to count as active.
const SessionWindow = 10 * time.Minute

// ListenerState is the health a listener last reported.
type ListenerState string

const (
	ListenerOnline  ListenerState = "online"
	ListenerOffline ListenerState = "offline"
	ListenerError   ListenerState = "error"
)

// ListenerStatus is the most recent heartbeat of a listener process.
type ListenerStatus struct {
	ListenerID    string        `json:"listener_id"`
	Status        ListenerState `json:"status"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Processed     int64         `json:"processed"`
}
