package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/daviddao/seisq/pkg/model"
)

// DefaultRedisPrefix namespaces every key the Redis backend writes.
const DefaultRedisPrefix = "seisq:"

// Key layout, relative to the prefix:
//
//	pos                 INCR counter giving global insertion order
//	seq:<user>          INCR counter giving per-user sequence numbers
//	cmd:<id>            hash holding one command
//	pending             zset of queued ids scored by pos
//	pending:<user>      zset of one user's queued ids scored by pos
//	all, all:<user>     zsets of every id scored by pos, for Recent and purge
//	session:<user>      hash with first_seen and last_seen
//	users               set of user ids
//	listener:<id>       hash with the listener's last heartbeat
//	listeners           set of listener ids
//
// Scripts build keys from the prefix at run time, so the backend targets a
// single Redis node rather than a cluster.

var enqueueScript = redis.NewScript(`
local p, id, user, method, params, now = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6]
local pos = redis.call('INCR', p .. 'pos')
local seq = redis.call('INCR', p .. 'seq:' .. user)
redis.call('HSET', p .. 'cmd:' .. id,
  'id', id, 'user_id', user, 'seq', seq, 'pos', pos, 'method', method,
  'params', params, 'status', 'queued', 'owner', '',
  'enqueued_at', now, 'updated_at', now, 'error', '')
redis.call('ZADD', p .. 'pending', pos, id)
redis.call('ZADD', p .. 'pending:' .. user, pos, id)
redis.call('ZADD', p .. 'all', pos, id)
redis.call('ZADD', p .. 'all:' .. user, pos, id)
redis.call('HSETNX', p .. 'session:' .. user, 'first_seen', now)
redis.call('HSET', p .. 'session:' .. user, 'last_seen', now)
redis.call('SADD', p .. 'users', user)
return seq
`)

// claimScript pops the oldest id from the scoped pending set, removes it
// from the other pending set and marks it claimed, all in one script.
var claimScript = redis.NewScript(`
local p, scope, owner, now = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local key = p .. 'pending'
if scope ~= '' then key = p .. 'pending:' .. scope end
local popped = redis.call('ZPOPMIN', key)
if #popped == 0 then return false end
local id = popped[1]
local ckey = p .. 'cmd:' .. id
local user = redis.call('HGET', ckey, 'user_id')
if scope ~= '' then
  redis.call('ZREM', p .. 'pending', id)
elseif user then
  redis.call('ZREM', p .. 'pending:' .. user, id)
end
redis.call('HSET', ckey, 'status', 'claimed', 'owner', owner, 'claimed_at', now, 'updated_at', now)
return id
`)

// transitionScript returns 1 on success, 0 when stale, -1 when missing.
var transitionScript = redis.NewScript(`
local p, id, owner, nextStatus, now, allowed, field, value = ARGV[1], ARGV[2], ARGV[3], ARGV[4], ARGV[5], ARGV[6], ARGV[7], ARGV[8]
local ckey = p .. 'cmd:' .. id
local cur = redis.call('HMGET', ckey, 'status', 'owner')
if not cur[1] then return -1 end
if cur[2] ~= owner then return 0 end
local ok = false
for s in string.gmatch(allowed, '[^,]+') do
  if s == cur[1] then ok = true end
end
if not ok then return 0 end
redis.call('HSET', ckey, 'status', nextStatus, 'updated_at', now)
if field ~= '' then redis.call('HSET', ckey, field, value) end
return 1
`)

// RedisStore is a QueueStore backed by a single Redis node.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedis connects to the Redis server at url (redis://host:port/db) and
// checks the connection.
func NewRedis(ctx context.Context, url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	r := &RedisStore{client: redis.NewClient(opts), prefix: prefix, now: time.Now}
	if err := r.Ping(ctx); err != nil {
		r.client.Close()
		return nil, err
	}
	return r, nil
}

func (r *RedisStore) key(parts ...string) string {
	return r.prefix + strings.Join(parts, ":")
}

// Close closes the client.
func (r *RedisStore) Close() error { return r.client.Close() }

// Ping checks the connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// redisErr maps connection-level failures to ErrStoreUnavailable and
// leaves server replies (script errors, wrong types) as they are.
func redisErr(op string, err error) error {
	var reply redis.Error
	if errors.As(err, &reply) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// Enqueue appends a command and touches the user's session.
func (r *RedisStore) Enqueue(ctx context.Context, userID, method string, params map[string]any) (string, error) {
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
	now := formatTime(r.now())
	if err := enqueueScript.Run(ctx, r.client, nil, r.prefix, id, userID, method, string(body), now).Err(); err != nil {
		return "", redisErr("enqueue", err)
	}
	return id, nil
}

// ClaimNext claims the oldest queued command in scope.
func (r *RedisStore) ClaimNext(ctx context.Context, scope Scope, owner string) (*model.Command, error) {
	now := formatTime(r.now())
	id, err := claimScript.Run(ctx, r.client, nil, r.prefix, scope.UserID, owner, now).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, redisErr("claim", err)
	}
	return r.Status(ctx, id)
}

// MarkProcessing moves a claimed command to processing.
func (r *RedisStore) MarkProcessing(ctx context.Context, id, owner string) error {
	return r.transition(ctx, id, owner, model.StatusProcessing, "", "")
}

// MarkExecuted moves a processing command to executed and stores result.
func (r *RedisStore) MarkExecuted(ctx context.Context, id, owner string, result map[string]any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return r.transition(ctx, id, owner, model.StatusExecuted, "result", string(body))
}

// MarkFailed moves a claimed or processing command to failed.
func (r *RedisStore) MarkFailed(ctx context.Context, id, owner, message string) error {
	return r.transition(ctx, id, owner, model.StatusFailed, "error", message)
}

func (r *RedisStore) transition(ctx context.Context, id, owner string, next model.Status, field, value string) error {
	prev := predecessors(next)
	allowed := make([]string, len(prev))
	for i, p := range prev {
		allowed[i] = string(p)
	}
	n, err := transitionScript.Run(ctx, r.client, nil,
		r.prefix, id, owner, string(next), formatTime(r.now()), strings.Join(allowed, ","), field, value,
	).Int()
	if err != nil {
		return redisErr("mark "+string(next), err)
	}
	switch n {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur, err := r.Status(ctx, id)
	if err != nil {
		return err
	}
	if cur.Owner != owner {
		return fmt.Errorf("%w: %s is owned by %q, not %q", ErrStaleTransition, id, cur.Owner, owner)
	}
	return fmt.Errorf("%w: %s is %s, cannot become %s", ErrStaleTransition, id, cur.Status, next)
}

// Status returns the command with the given id, or ErrNotFound.
func (r *RedisStore) Status(ctx context.Context, id string) (*model.Command, error) {
	h, err := r.client.HGetAll(ctx, r.key("cmd", id)).Result()
	if err != nil {
		return nil, redisErr("status "+id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return commandFromHash(h)
}

func commandFromHash(h map[string]string) (*model.Command, error) {
	c := &model.Command{
		ID:     h["id"],
		UserID: h["user_id"],
		Method: h["method"],
		Owner:  h["owner"],
		Error:  h["error"],
	}
	seq, err := strconv.ParseInt(h["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse seq for command %s: %w", c.ID, err)
	}
	c.Seq = seq
	return decodeCommand(c, h["params"], h["status"], h["enqueued_at"], h["claimed_at"], h["updated_at"], h["result"])
}

// Recent returns up to limit commands, newest first.
func (r *RedisStore) Recent(ctx context.Context, userID string, limit int) ([]model.Command, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, redisErr("recent", err)
	}
	return r.load(ctx, ids)
}

func (r *RedisStore) indexKey(userID string) string {
	if userID == "" {
		return r.key("all")
	}
	return r.key("all", userID)
}

// load fetches many command hashes in one pipeline, skipping ids whose
// hash has been purged.
func (r *RedisStore) load(ctx context.Context, ids []string) ([]model.Command, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	results := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		results[i] = pipe.HGetAll(ctx, r.key("cmd", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, redisErr("load commands", err)
	}
	cmds := make([]model.Command, 0, len(ids))
	for _, res := range results {
		h := res.Val()
		if len(h) == 0 {
			continue
		}
		c, err := commandFromHash(h)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *c)
	}
	return cmds, nil
}

// PurgeCompleted deletes executed and failed commands older than olderThan.
func (r *RedisStore) PurgeCompleted(ctx context.Context, userID string, olderThan time.Duration) (int64, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(userID), 0, -1).Result()
	if err != nil {
		return 0, redisErr("purge", err)
	}
	cmds, err := r.load(ctx, ids)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-olderThan)
	pipe := r.client.TxPipeline()
	var n int64
	for _, c := range cmds {
		if !c.Status.Terminal() || !c.UpdatedAt.Before(cutoff) {
			continue
		}
		pipe.Del(ctx, r.key("cmd", c.ID))
		pipe.ZRem(ctx, r.key("all"), c.ID)
		pipe.ZRem(ctx, r.key("all", c.UserID), c.ID)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, redisErr("purge", err)
	}
	return n, nil
}

// ListSessions returns every known user ordered by id.
func (r *RedisStore) ListSessions(ctx context.Context) ([]model.UserSession, error) {
	users, err := r.client.SMembers(ctx, r.key("users")).Result()
	if err != nil {
		return nil, redisErr("list sessions", err)
	}
	sort.Strings(users)
	now := r.now()
	var out []model.UserSession
	for _, u := range users {
		h, err := r.client.HGetAll(ctx, r.key("session", u)).Result()
		if err != nil {
			return nil, redisErr("list sessions", err)
		}
		s := model.UserSession{UserID: u}
		if s.FirstSeen, err = parseTime(h["first_seen"]); err != nil {
			return nil, fmt.Errorf("parse first_seen for user %s: %w", u, err)
		}
		if s.LastSeen, err = parseTime(h["last_seen"]); err != nil {
			return nil, fmt.Errorf("parse last_seen for user %s: %w", u, err)
		}
		s.Active = now.Sub(s.LastSeen) < model.SessionWindow
		out = append(out, s)
	}
	return out, nil
}

// Heartbeat records a listener's status.
func (r *RedisStore) Heartbeat(ctx context.Context, listenerID string, status model.ListenerState, processed int64) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key("listener", listenerID),
		"status", string(status),
		"last_heartbeat", formatTime(r.now()),
		"processed", processed,
	)
	pipe.SAdd(ctx, r.key("listeners"), listenerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return redisErr("heartbeat", err)
	}
	return nil
}

// ListListeners returns every listener's last heartbeat ordered by id.
func (r *RedisStore) ListListeners(ctx context.Context) ([]model.ListenerStatus, error) {
	ids, err := r.client.SMembers(ctx, r.key("listeners")).Result()
	if err != nil {
		return nil, redisErr("list listeners", err)
	}
	sort.Strings(ids)
	var out []model.ListenerStatus
	for _, id := range ids {
		h, err := r.client.HGetAll(ctx, r.key("listener", id)).Result()
		if err != nil {
			return nil, redisErr("list listeners", err)
		}
		l := model.ListenerStatus{ListenerID: id, Status: model.ListenerState(h["status"])}
		if l.LastHeartbeat, err = parseTime(h["last_heartbeat"]); err != nil {
			return nil, fmt.Errorf("parse last_heartbeat for listener %s: %w", id, err)
		}
		if l.Processed, err = strconv.ParseInt(h["processed"], 10, 64); err != nil {
			return nil, fmt.Errorf("parse processed for listener %s: %w", id, err)
		}
		out = append(out, l)
	}
	return out, nil
}
