// iface.go defines the QueueStore interface for dependency injection and
// testing.
//
// Both backends (*Store on SQLite and *RedisStore) satisfy it. The
// listener, dispatcher and CLI accept QueueStore, so any of them can run
// against either backend or a test double.
package store

import (
	"context"
	"time"

	"github.com/daviddao/seisq/pkg/model"
)

// Scope restricts which commands ClaimNext may return. The zero Scope is
// global: any user's oldest queued command.
type Scope struct {
	UserID string
}

// Global reports whether the scope spans every user.
func (s Scope) Global() bool { return s.UserID == "" }

// QueueStore defines the full set of queue operations.
type QueueStore interface {
	// Close releases the backing connection.
	Close() error

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// --- Commands ---

	// Enqueue appends a command in the queued state and returns its id.
	Enqueue(ctx context.Context, userID, method string, params map[string]any) (string, error)

	// ClaimNext atomically moves the oldest queued command in scope to
	// claimed and returns it. Returns nil, nil when nothing is queued.
	ClaimNext(ctx context.Context, scope Scope, owner string) (*model.Command, error)

	// MarkProcessing moves a claimed command to processing.
	MarkProcessing(ctx context.Context, id, owner string) error

	// MarkExecuted moves a processing command to executed with a result.
	MarkExecuted(ctx context.Context, id, owner string, result map[string]any) error

	// MarkFailed moves a claimed or processing command to failed.
	MarkFailed(ctx context.Context, id, owner, message string) error

	// Status returns the command with the given id.
	Status(ctx context.Context, id string) (*model.Command, error)

	// Recent returns the newest commands first. An empty userID lists all users.
	Recent(ctx context.Context, userID string, limit int) ([]model.Command, error)

	// PurgeCompleted deletes terminal commands last updated before
	// olderThan ago. Returns the number deleted.
	PurgeCompleted(ctx context.Context, userID string, olderThan time.Duration) (int64, error)

	// --- Sessions ---

	// ListSessions returns every user that has enqueued, ordered by id.
	ListSessions(ctx context.Context) ([]model.UserSession, error)

	// --- Listeners ---

	// Heartbeat records a listener's health and processed count.
	Heartbeat(ctx context.Context, listenerID string, status model.ListenerState, processed int64) error

	// ListListeners returns every listener's last heartbeat, ordered by id.
	ListListeners(ctx context.Context) ([]model.ListenerStatus, error)
}

// Compile-time checks that both backends implement QueueStore.
var (
	_ QueueStore = (*Store)(nil)
	_ QueueStore = (*RedisStore)(nil)
)

// predecessors returns the statuses that may transition to next.
func predecessors(next model.Status) []model.Status {
	var out []model.Status
	for _, s := range []model.Status{
		model.StatusQueued, model.StatusClaimed, model.StatusProcessing,
		model.StatusExecuted, model.StatusFailed,
	} {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}
