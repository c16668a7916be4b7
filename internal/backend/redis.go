package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Redis key patterns for the queue and session data structures.
	keyQueuePrefix    = "queue:"              // + <role> -> list of participant IDs, head = oldest
	keyEntryPrefix    = "queue:entry:"        // + <participant_id> -> hash {role, enqueued_at}
	keySessionPrefix  = "session:"            // + <session_id> -> hash
	keyMessagesSuffix = ":messages"           // session:<id>:messages -> list of JSON messages
	keyBindingPrefix  = "participant:"        // + <participant_id>:session -> session ID
	keySessionIndex   = "sessions:created"    // zset, score = created_at (unix)

	// TTL safety nets so crashed processes cannot leak keys forever. The
	// sweep and expiry timers are the real cleanup paths.
	entryTTL   = 10 * time.Minute
	sessionTTL = 6 * time.Hour
)

// claimLua pops the queue head and destroys its entry hash in one atomic
// step, so two racing claims can never both observe the same head.
const claimLua = `
local pid = redis.call('LPOP', KEYS[1])
if not pid then return false end
redis.call('DEL', ARGV[1] .. pid)
return pid
`

// removeLua removes a specific waiting entry. LREM returning 0 means the
// entry was already claimed or removed, which callers treat as a no-op.
const removeLua = `
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
if removed > 0 then
    redis.call('DEL', ARGV[2] .. ARGV[1])
end
return removed
`

// RedisStore is the networked Store implementation shared by all server
// instances.
type RedisStore struct {
	rdb          *redis.Client
	claimScript  *redis.Script
	removeScript *redis.Script
}

// NewRedisStore creates a RedisStore on an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{
		rdb:          rdb,
		claimScript:  redis.NewScript(claimLua),
		removeScript: redis.NewScript(removeLua),
	}
}

func queueKey(role Role) string     { return keyQueuePrefix + string(role) }
func entryKey(pid string) string    { return keyEntryPrefix + pid }
func sessionKey(sid string) string  { return keySessionPrefix + sid }
func messagesKey(sid string) string { return keySessionPrefix + sid + keyMessagesSuffix }
func bindingKey(pid string) string  { return keyBindingPrefix + pid + ":session" }

func (s *RedisStore) Enqueue(ctx context.Context, role Role, participantID string, enqueuedAt time.Time) error {
	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, queueKey(role), participantID)
	pipe.HSet(ctx, entryKey(participantID), map[string]interface{}{
		"role":        string(role),
		"enqueued_at": enqueuedAt.Unix(),
	})
	pipe.Expire(ctx, entryKey(participantID), entryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backend: enqueue %s: %w", participantID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (s *RedisStore) ClaimOldest(ctx context.Context, role Role) (string, bool, error) {
	pid, err := s.claimScript.Run(ctx, s.rdb, []string{queueKey(role)}, keyEntryPrefix).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("backend: claim %s queue: %w", role, errors.Join(ErrUnavailable, err))
	}
	return pid, true, nil
}

func (s *RedisStore) RemoveWaiting(ctx context.Context, role Role, participantID string) (bool, error) {
	removed, err := s.removeScript.Run(ctx, s.rdb,
		[]string{queueKey(role)}, participantID, keyEntryPrefix).Int()
	if err != nil {
		return false, fmt.Errorf("backend: remove %s from %s queue: %w", participantID, role, errors.Join(ErrUnavailable, err))
	}
	return removed > 0, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context, role Role) (int, error) {
	n, err := s.rdb.LLen(ctx, queueKey(role)).Result()
	if err != nil {
		return 0, fmt.Errorf("backend: depth of %s queue: %w", role, errors.Join(ErrUnavailable, err))
	}
	return int(n), nil
}

func (s *RedisStore) QueuedRole(ctx context.Context, participantID string) (Role, bool, error) {
	role, err := s.rdb.HGet(ctx, entryKey(participantID), "role").Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("backend: queued role of %s: %w", participantID, errors.Join(ErrUnavailable, err))
	}
	return Role(role), true, nil
}

func (s *RedisStore) PutSession(ctx context.Context, rec *SessionRecord) error {
	fields := map[string]interface{}{
		"speaker_id":            rec.SpeakerID,
		"listener_id":           rec.ListenerID,
		"speaker_display_name":  rec.SpeakerDisplayName,
		"listener_display_name": rec.ListenerDisplayName,
		"status":                rec.Status,
		"created_at":            rec.CreatedAt.Unix(),
		"ended_by":              rec.EndedBy,
		"end_reason":            rec.EndReason,
	}
	if !rec.EndedAt.IsZero() {
		fields["ended_at"] = rec.EndedAt.Unix()
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, sessionKey(rec.SessionID), fields)
	pipe.Expire(ctx, sessionKey(rec.SessionID), sessionTTL)
	pipe.ZAdd(ctx, keySessionIndex, redis.Z{
		Score:  float64(rec.CreatedAt.Unix()),
		Member: rec.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backend: put session %s: %w", rec.SessionID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	result, err := s.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("backend: get session %s: %w", sessionID, errors.Join(ErrUnavailable, err))
	}
	if len(result) == 0 {
		return nil, nil
	}

	createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
	rec := &SessionRecord{
		SessionID:           sessionID,
		SpeakerID:           result["speaker_id"],
		ListenerID:          result["listener_id"],
		SpeakerDisplayName:  result["speaker_display_name"],
		ListenerDisplayName: result["listener_display_name"],
		Status:              result["status"],
		CreatedAt:           time.Unix(createdAt, 0),
		EndedBy:             result["ended_by"],
		EndReason:           result["end_reason"],
	}
	if v, ok := result["ended_at"]; ok && v != "" {
		endedAt, _ := strconv.ParseInt(v, 10, 64)
		rec.EndedAt = time.Unix(endedAt, 0)
	}
	return rec, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.Del(ctx, messagesKey(sessionID))
	pipe.ZRem(ctx, keySessionIndex, sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backend: delete session %s: %w", sessionID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (s *RedisStore) SessionIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.ZRange(ctx, keySessionIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backend: session ids: %w", errors.Join(ErrUnavailable, err))
	}
	return ids, nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, sessionID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("backend: marshal message: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.RPush(ctx, messagesKey(sessionID), data)
	pipe.LTrim(ctx, messagesKey(sessionID), -MaxSessionMessages, -1)
	pipe.Expire(ctx, messagesKey(sessionID), sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backend: append message to %s: %w", sessionID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (s *RedisStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	raw, err := s.rdb.LRange(ctx, messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backend: messages of %s: %w", sessionID, errors.Join(ErrUnavailable, err))
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue // skip corrupt entries rather than failing the read
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (s *RedisStore) BindParticipant(ctx context.Context, participantID, sessionID string) error {
	if err := s.rdb.Set(ctx, bindingKey(participantID), sessionID, sessionTTL).Err(); err != nil {
		return fmt.Errorf("backend: bind %s: %w", participantID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (s *RedisStore) ParticipantSession(ctx context.Context, participantID string) (string, error) {
	sid, err := s.rdb.Get(ctx, bindingKey(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("backend: binding of %s: %w", participantID, errors.Join(ErrUnavailable, err))
	}
	return sid, nil
}

func (s *RedisStore) UnbindParticipant(ctx context.Context, participantID string) error {
	if err := s.rdb.Del(ctx, bindingKey(participantID)).Err(); err != nil {
		return fmt.Errorf("backend: unbind %s: %w", participantID, errors.Join(ErrUnavailable, err))
	}
	return nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("backend: ping: %w", errors.Join(ErrUnavailable, err))
	}
	return nil
}
