// Package store manages queue persistence for seisq.
//
// The store is the only channel between producers and the listener: a
// producer appends a row, the listener claims it with a single conditional
// UPDATE, and status polling reads the same row back. SQLite in WAL mode is
// the default backend; redis.go provides a Redis backend with the same
// semantics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/seisq/pkg/model"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeFormat, s) }

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// retryOnContention wraps retryOp from retry.go with the default config.
// All store operations use this to handle transient SQLite errors (BUSY,
// LOCKED, IOERR_SHORT_READ) under concurrent access.
func retryOnContention(ctx context.Context, fn func() error) error {
	return retryOp(ctx, defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		pos         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		user_id     TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		method      TEXT NOT NULL,
		params      TEXT NOT NULL DEFAULT '{}',
		status      TEXT NOT NULL DEFAULT 'queued',
		owner       TEXT NOT NULL DEFAULT '',
		enqueued_at TEXT NOT NULL,
		claimed_at  TEXT,
		updated_at  TEXT NOT NULL,
		result      TEXT,
		error       TEXT NOT NULL DEFAULT '',
		UNIQUE (user_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status, pos);
	CREATE INDEX IF NOT EXISTS idx_commands_user_status ON commands(user_id, status, pos);

	CREATE TABLE IF NOT EXISTS sessions (
		user_id    TEXT PRIMARY KEY,
		first_seen TEXT NOT NULL,
		last_seen  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS listeners (
		listener_id    TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		last_heartbeat TEXT NOT NULL,
		processed      INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

const commandColumns = `id, user_id, seq, method, params, status, owner,
	enqueued_at, COALESCE(claimed_at, ''), updated_at, COALESCE(result, ''), error`

// Enqueue appends a command and upserts the user's session in one
// transaction. Seq is computed inside the INSERT so concurrent producers
// for the same user cannot collide.
func (s *Store) Enqueue(ctx context.Context, userID, method string, params map[string]any) (string, error) {
	if userID == "" {
		return "", errors.New("enqueue: empty user id")
	}
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	id := uuid.NewString()
	now := formatTime(s.now())

	err = retryOnContention(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (user_id, first_seen, last_seen) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
			userID, now, now,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commands (id, user_id, seq, method, params, status, enqueued_at, updated_at)
			 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM commands WHERE user_id = ?), ?, ?, ?, ?, ?)`,
			id, userID, userID, method, string(body), string(model.StatusQueued), now, now,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext claims the oldest queued command in scope. The subquery and
// the status guard run inside one UPDATE, so two claimers can never both
// see the same row as queued.
func (s *Store) ClaimNext(ctx context.Context, scope Scope, owner string) (*model.Command, error) {
	now := formatTime(s.now())
	var cmd *model.Command
	err := retryOnContention(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE commands SET status = ?, owner = ?, claimed_at = ?, updated_at = ?
			 WHERE pos = (
			   SELECT pos FROM commands
			   WHERE status = ? AND (? = '' OR user_id = ?)
			   ORDER BY pos ASC LIMIT 1
			 ) AND status = ?
			 RETURNING `+commandColumns,
			string(model.StatusClaimed), owner, now, now,
			string(model.StatusQueued), scope.UserID, scope.UserID,
			string(model.StatusQueued),
		)
		c, err := scanCommand(row)
		if errors.Is(err, sql.ErrNoRows) {
			cmd = nil
			return nil
		}
		if err != nil {
			return err
		}
		cmd = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return cmd, nil
}

// MarkProcessing moves a claimed command to processing.
func (s *Store) MarkProcessing(ctx context.Context, id, owner string) error {
	return s.transition(ctx, id, owner, model.StatusProcessing, "", nil)
}

// MarkExecuted moves a processing command to executed and stores result.
func (s *Store) MarkExecuted(ctx context.Context, id, owner string, result map[string]any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.transition(ctx, id, owner, model.StatusExecuted, "", body)
}

// MarkFailed moves a claimed or processing command to failed.
func (s *Store) MarkFailed(ctx context.Context, id, owner, message string) error {
	return s.transition(ctx, id, owner, model.StatusFailed, message, nil)
}

// transition applies a conditional status update. The WHERE clause carries
// the ownership and predecessor checks; zero affected rows means the
// update was stale.
func (s *Store) transition(ctx context.Context, id, owner string, next model.Status, message string, result []byte) error {
	prev := predecessors(next)
	args := []any{string(next), formatTime(s.now()), message, message, nullableText(result), id, owner}
	marks := make([]string, len(prev))
	for i, p := range prev {
		marks[i] = "?"
		args = append(args, string(p))
	}
	query := `UPDATE commands SET status = ?, updated_at = ?,
		error = CASE WHEN ? = '' THEN error ELSE ? END,
		result = COALESCE(?, result)
		WHERE id = ? AND owner = ? AND status IN (` + strings.Join(marks, ", ") + `)`

	var affected int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark %s: %w", next, err)
	}
	if affected == 1 {
		return nil
	}

	cur, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return fmt.Errorf("%w: %s is owned by %q, not %q", ErrStaleTransition, id, cur.Owner, owner)
	}
	return fmt.Errorf("%w: %s is %s, cannot become %s", ErrStaleTransition, id, cur.Status, next)
}

// Status returns the command with the given id, or ErrNotFound.
func (s *Store) Status(ctx context.Context, id string) (*model.Command, error) {
	var cmd *model.Command
	err := retryOnContention(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
		c, err := scanCommand(row)
		if err != nil {
			return err
		}
		cmd = c
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", id, err)
	}
	return cmd, nil
}

// Recent returns up to limit commands, newest first.
func (s *Store) Recent(ctx context.Context, userID string, limit int) ([]model.Command, error) {
	if limit <= 0 {
		limit = 20
	}
	var cmds []model.Command
	err := retryOnContention(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+commandColumns+` FROM commands
			 WHERE (? = '' OR user_id = ?)
			 ORDER BY pos DESC LIMIT ?`,
			userID, userID, limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		cmds, err = scanCommands(rows)
		return err
	})
	return cmds, err
}

// PurgeCompleted deletes executed and failed commands older than olderThan.
func (s *Store) PurgeCompleted(ctx context.Context, userID string, olderThan time.Duration) (int64, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	var n int64
	err := retryOnContention(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM commands
			 WHERE status IN (?, ?) AND updated_at < ? AND (? = '' OR user_id = ?)`,
			string(model.StatusExecuted), string(model.StatusFailed), cutoff, userID, userID,
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*model.Command, error) {
	var c model.Command
	var params, status, enqueued, claimed, updated, result string
	if err := row.Scan(&c.ID, &c.UserID, &c.Seq, &c.Method, &params, &status, &c.Owner,
		&enqueued, &claimed, &updated, &result, &c.Error); err != nil {
		return nil, err
	}
	return decodeCommand(&c, params, status, enqueued, claimed, updated, result)
}

// decodeCommand fills the text-encoded fields of c. Shared by both backends.
func decodeCommand(c *model.Command, params, status, enqueued, claimed, updated, result string) (*model.Command, error) {
	var err error
	if c.Status, err = model.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("command %s: %w", c.ID, err)
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &c.Params); err != nil {
			return nil, fmt.Errorf("decode params for command %s: %w", c.ID, err)
		}
	}
	if result != "" && result != "null" {
		if err := json.Unmarshal([]byte(result), &c.Result); err != nil {
			return nil, fmt.Errorf("decode result for command %s: %w", c.ID, err)
		}
	}
	if c.EnqueuedAt, err = parseTime(enqueued); err != nil {
		return nil, fmt.Errorf("parse enqueued_at for command %s: %w", c.ID, err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at for command %s: %w", c.ID, err)
	}
	if claimed != "" {
		t, err := parseTime(claimed)
		if err != nil {
			return nil, fmt.Errorf("parse claimed_at for command %s: %w", c.ID, err)
		}
		c.ClaimedAt = &t
	}
	return c, nil
}

func scanCommands(rows *sql.Rows) ([]model.Command, error) {
	var cmds []model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *c)
	}
	return cmds, rows.Err()
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// ListSessions returns every known user ordered by id. A session is active
// when the user enqueued within model.SessionWindow.
func (s *Store) ListSessions(ctx context.Context) ([]model.UserSession, error) {
	now := s.now()
	var sessions []model.UserSession
	err := retryOnContention(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT user_id, first_seen, last_seen FROM sessions ORDER BY user_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		sessions = nil
		for rows.Next() {
			var u model.UserSession
			var first, last string
			if err := rows.Scan(&u.UserID, &first, &last); err != nil {
				return err
			}
			if u.FirstSeen, err = parseTime(first); err != nil {
				return fmt.Errorf("parse first_seen for user %s: %w", u.UserID, err)
			}
			if u.LastSeen, err = parseTime(last); err != nil {
				return fmt.Errorf("parse last_seen for user %s: %w", u.UserID, err)
			}
			u.Active = now.Sub(u.LastSeen) < model.SessionWindow
			sessions = append(sessions, u)
		}
		return rows.Err()
	})
	return sessions, err
}

// ---------------------------------------------------------------------------
// Listeners
// ---------------------------------------------------------------------------

// Heartbeat upserts a listener's status row.
func (s *Store) Heartbeat(ctx context.Context, listenerID string, status model.ListenerState, processed int64) error {
	now := formatTime(s.now())
	return retryOnContention(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO listeners (listener_id, status, last_heartbeat, processed)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(listener_id) DO UPDATE SET
			   status = excluded.status,
			   last_heartbeat = excluded.last_heartbeat,
			   processed = excluded.processed`,
			listenerID, string(status), now, processed,
		)
		return err
	})
}

// ListListeners returns every listener's last heartbeat ordered by id.
func (s *Store) ListListeners(ctx context.Context) ([]model.ListenerStatus, error) {
	var out []model.ListenerStatus
	err := retryOnContention(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT listener_id, status, last_heartbeat, processed FROM listeners ORDER BY listener_id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var l model.ListenerStatus
			var status, hb string
			if err := rows.Scan(&l.ListenerID, &status, &hb, &l.Processed); err != nil {
				return err
			}
			l.Status = model.ListenerState(status)
			if l.LastHeartbeat, err = parseTime(hb); err != nil {
				return fmt.Errorf("parse last_heartbeat for listener %s: %w", l.ListenerID, err)
			}
			out = append(out, l)
		}
		return rows.Err()
	})
	return out, err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func nullableText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
