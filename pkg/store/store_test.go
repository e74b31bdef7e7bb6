package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/seisq/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustEnqueue(t *testing.T, s QueueStore, user, method string, params map[string]any) string {
	t.Helper()
	id, err := s.Enqueue(context.Background(), user, method, params)
	if err != nil {
		t.Fatalf("Enqueue(%s, %s): %v", user, method, err)
	}
	return id
}

// --- Enqueue / Status ---

func TestEnqueue_Status(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "alice", "update_gain", map[string]any{"gain_value": 2.5})

	cmd, err := s.Status(ctx, id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cmd.Status != model.StatusQueued {
		t.Fatalf("status = %s, want queued", cmd.Status)
	}
	if cmd.UserID != "alice" || cmd.Method != "update_gain" || cmd.Seq != 1 {
		t.Fatalf("got %+v", cmd)
	}
	if cmd.Params["gain_value"] != 2.5 {
		t.Fatalf("params = %v, want gain_value 2.5", cmd.Params)
	}
	if cmd.Owner != "" || cmd.ClaimedAt != nil {
		t.Fatalf("queued command should have no owner, got %q / %v", cmd.Owner, cmd.ClaimedAt)
	}
}

func TestEnqueue_SeqPerUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := mustEnqueue(t, s, "alice", "zoom_in", nil)
	b1 := mustEnqueue(t, s, "bob", "zoom_in", nil)
	a2 := mustEnqueue(t, s, "alice", "zoom_out", nil)

	for _, tc := range []struct {
		id   string
		want int64
	}{{a1, 1}, {b1, 1}, {a2, 2}} {
		cmd, err := s.Status(ctx, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if cmd.Seq != tc.want {
			t.Errorf("%s seq = %d, want %d", cmd.UserID, cmd.Seq, tc.want)
		}
	}
}

func TestEnqueue_EmptyUser(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Enqueue(context.Background(), "", "zoom_in", nil); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Status(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Claim ---

func TestClaimNext_Empty(t *testing.T) {
	s := newTestStore(t)
	start := time.Now()
	cmd, err := s.ClaimNext(context.Background(), Scope{}, "l1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if cmd != nil {
		t.Fatalf("expected nil command on empty queue, got %+v", cmd)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("ClaimNext on an empty queue should not block")
	}
}

func TestClaimNext_FIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustEnqueue(t, s, "alice", "update_colormap", map[string]any{"colormap_index": i}))
	}
	for i, want := range ids {
		cmd, err := s.ClaimNext(ctx, Scope{}, "l1")
		if err != nil {
			t.Fatal(err)
		}
		if cmd == nil || cmd.ID != want {
			t.Fatalf("claim %d: got %v, want %s", i, cmd, want)
		}
		if cmd.Status != model.StatusClaimed || cmd.Owner != "l1" || cmd.ClaimedAt == nil {
			t.Fatalf("claimed command not marked: %+v", cmd)
		}
	}
}

func TestClaimNext_UserScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, s, "alice", "zoom_in", nil)
	bob := mustEnqueue(t, s, "bob", "zoom_out", nil)

	cmd, err := s.ClaimNext(ctx, Scope{UserID: "bob"}, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd == nil || cmd.ID != bob {
		t.Fatalf("scope bob claimed %v", cmd)
	}

	cmd, err = s.ClaimNext(ctx, Scope{UserID: "bob"}, "l1")
	if err != nil {
		t.Fatal(err)
	}
	if cmd != nil {
		t.Fatalf("scope bob must never return alice's command, got %+v", cmd)
	}
}

func TestClaimNext_Concurrent(t *testing.T) {
	testConcurrentClaim(t, newTestStore(t))
}

// testConcurrentClaim races four owners over one queue and checks that
// every command is handed out exactly once.
func testConcurrentClaim(t *testing.T, s QueueStore) {
	t.Helper()
	const n = 40
	for i := 0; i < n; i++ {
		mustEnqueue(t, s, fmt.Sprintf("user-%d", i%3), "zoom_in", nil)
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		owner := fmt.Sprintf("listener-%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmd, err := s.ClaimNext(context.Background(), Scope{}, owner)
				if err != nil {
					t.Errorf("%s: %v", owner, err)
					return
				}
				if cmd == nil {
					return
				}
				mu.Lock()
				if prev, dup := claimed[cmd.ID]; dup {
					t.Errorf("command %s claimed by both %s and %s", cmd.ID, prev, owner)
				}
				claimed[cmd.ID] = owner
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(claimed) != n {
		t.Fatalf("claimed %d commands, want %d", len(claimed), n)
	}
}

// --- Transitions ---

func TestLifecycle_Executed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "alice", "zoom_in", nil)
	if _, err := s.ClaimNext(ctx, Scope{}, "l1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(ctx, id, "l1"); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	if err := s.MarkExecuted(ctx, id, "l1", map[string]any{"message": "ok"}); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	cmd, err := s.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Status != model.StatusExecuted || cmd.Result["message"] != "ok" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestLifecycle_FailedFromClaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "alice", "update_colormap", map[string]any{"colormap_index": 99})
	if _, err := s.ClaimNext(ctx, Scope{}, "l1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, id, "l1", "colormap_index out of range"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	cmd, _ := s.Status(ctx, id)
	if cmd.Status != model.StatusFailed || cmd.Error != "colormap_index out of range" {
		t.Fatalf("got %+v", cmd)
	}
}

func TestTransition_Stale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := mustEnqueue(t, s, "alice", "zoom_in", nil)

	tests := []struct {
		name string
		fn   func() error
	}{
		{"processing before claim", func() error { return s.MarkProcessing(ctx, id, "l1") }},
		{"executed before claim", func() error { return s.MarkExecuted(ctx, id, "l1", nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); !errors.Is(err, ErrStaleTransition) {
				t.Fatalf("expected ErrStaleTransition, got %v", err)
			}
		})
	}

	if _, err := s.ClaimNext(ctx, Scope{}, "l1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkProcessing(ctx, id, "l2"); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("non-owner should be stale, got %v", err)
	}
	if err := s.MarkExecuted(ctx, id, "l1", nil); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("claimed -> executed should be stale, got %v", err)
	}
	if err := s.MarkProcessing(ctx, id, "l1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, id, "l1", "boom"); err != nil {
		t.Fatal(err)
	}
	// Terminal states never move again.
	if err := s.MarkExecuted(ctx, id, "l1", nil); !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("failed -> executed should be stale, got %v", err)
	}
	cmd, _ := s.Status(ctx, id)
	if cmd.Status != model.StatusFailed || cmd.Error != "boom" {
		t.Fatalf("stale updates must not write, got %+v", cmd)
	}
}

func TestTransition_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkProcessing(context.Background(), "missing", "l1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Recent / Purge ---

func TestRecent_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a1 := mustEnqueue(t, s, "alice", "zoom_in", nil)
	mustEnqueue(t, s, "bob", "zoom_in", nil)
	a2 := mustEnqueue(t, s, "alice", "zoom_out", nil)

	cmds, err := s.Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 || cmds[0].ID != a2 || cmds[1].ID != a1 {
		t.Fatalf("got %+v", cmds)
	}

	all, err := s.Recent(ctx, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != a2 {
		t.Fatalf("global recent: got %+v", all)
	}
}

func TestPurgeCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	done := mustEnqueue(t, s, "alice", "zoom_in", nil)
	pending := mustEnqueue(t, s, "alice", "zoom_out", nil)
	if _, err := s.ClaimNext(ctx, Scope{}, "l1"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, done, "l1", "x"); err != nil {
		t.Fatal(err)
	}

	// Nothing is old enough yet.
	n, err := s.PurgeCompleted(ctx, "", time.Hour)
	if err != nil || n != 0 {
		t.Fatalf("PurgeCompleted(1h) = %d, %v; want 0", n, err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = s.PurgeCompleted(ctx, "alice", time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("PurgeCompleted = %d, %v; want 1", n, err)
	}
	if _, err := s.Status(ctx, done); !errors.Is(err, ErrNotFound) {
		t.Fatalf("purged command still present: %v", err)
	}
	if _, err := s.Status(ctx, pending); err != nil {
		t.Fatalf("queued command must survive purge: %v", err)
	}
}

// --- Sessions / Listeners ---

func TestListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustEnqueue(t, s, "bob", "zoom_in", nil)
	mustEnqueue(t, s, "alice", "zoom_in", nil)
	mustEnqueue(t, s, "alice", "zoom_out", nil)

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].UserID != "alice" || sessions[1].UserID != "bob" {
		t.Fatalf("got %+v", sessions)
	}
	for _, u := range sessions {
		if !u.Active {
			t.Errorf("%s should be active", u.UserID)
		}
		if u.LastSeen.Before(u.FirstSeen) {
			t.Errorf("%s last_seen before first_seen", u.UserID)
		}
	}

	s.now = func() time.Time { return time.Now().Add(model.SessionWindow + time.Minute) }
	sessions, _ = s.ListSessions(ctx)
	if sessions[0].Active {
		t.Error("session outside the window should be inactive")
	}
}

func TestHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Heartbeat(ctx, "l1", model.ListenerOnline, 3); err != nil {
		t.Fatal(err)
	}
	if err := s.Heartbeat(ctx, "l1", model.ListenerOffline, 7); err != nil {
		t.Fatal(err)
	}
	ls, err := s.ListListeners(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ls) != 1 || ls[0].Status != model.ListenerOffline || ls[0].Processed != 7 {
		t.Fatalf("got %+v", ls)
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := newTestStore(t)
	s.Close()
	if err := s.Ping(context.Background()); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("Ping on closed store: %v", err)
	}
	if _, err := s.ClaimNext(context.Background(), Scope{}, "l1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("ClaimNext on closed store: %v", err)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	qs, err := Open(ctx, Options{Path: filepath.Join(t.TempDir(), "q.db")})
	if err != nil {
		t.Fatalf("Open sqlite: %v", err)
	}
	qs.Close()

	if _, err := Open(ctx, Options{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(ctx, Options{Driver: DriverRedis}); err == nil {
		t.Fatal("expected error for redis without url")
	}
}
