package authsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// minRetention keeps finished sessions readable for Latest lookups.
const minRetention = 24 * time.Hour

// retentionFor returns how long session records live: at least a day, and
// never shorter than a verified session.
func retentionFor(sessionTTL time.Duration) time.Duration {
	if sessionTTL > minRetention {
		return sessionTTL
	}
	return minRetention
}

// RedisStore keeps sessions in Redis and lets key expiry enforce the TTLs.
//
// Layout per conversation:
//
//	tellerline:auth:<conv>:pending    -> session id (SETNX, expires with the code)
//	tellerline:auth:<conv>:latest     -> session id
//	tellerline:auth:<conv>:level:<m>  -> session id (expires with the session)
//	tellerline:auth:session:<id>      -> session JSON
type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
}

// NewRedisStore connects using a redis:// URL. sessionTTL is the verified
// session lifetime; records are kept at least that long.
func NewRedisStore(url string, sessionTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), sessionTTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb *redis.Client, sessionTTL time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retentionFor(sessionTTL)}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error { return s.rdb.Close() }

func pendingKey(conv string) string { return "tellerline:auth:" + conv + ":pending" }
func latestKey(conv string) string  { return "tellerline:auth:" + conv + ":latest" }
func levelKey(conv string, l Level) string {
	return "tellerline:auth:" + conv + ":level:" + string(l)
}
func sessionKey(id string) string { return "tellerline:auth:session:" + id }

// ttlUntil returns a positive expiry for a deadline, never zero, because a
// zero expiration means "keep forever" to Redis.
func ttlUntil(deadline, now time.Time) time.Duration {
	if d := deadline.Sub(now); d > time.Millisecond {
		return d
	}
	return time.Millisecond
}

func (s *RedisStore) Latest(ctx context.Context, conversationID string) (*Session, error) {
	id, err := s.rdb.Get(ctx, latestKey(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest auth session: %w", err)
	}
	return s.load(ctx, id)
}

func (s *RedisStore) load(ctx context.Context, id string) (*Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load auth session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode auth session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) CurrentLevel(ctx context.Context, conversationID string, now time.Time) (Level, error) {
	for _, l := range []Level{LevelKBA, LevelOTP} {
		id, err := s.rdb.Get(ctx, levelKey(conversationID, l)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return LevelNone, fmt.Errorf("current auth level: %w", err)
		}
		sess, err := s.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return LevelNone, err
		}
		// Key expiry is approximate; the stored deadline is authoritative.
		if sess.LevelAt(now) == l {
			return l, nil
		}
	}
	return LevelNone, nil
}

func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	ok, err := s.rdb.SetNX(ctx, pendingKey(sess.ConversationID), sess.ID, ttlUntil(sess.ExpiresAt, sess.CreatedAt)).Result()
	if err != nil {
		return fmt.Errorf("create auth session: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	if err := s.put(ctx, sess); err != nil {
		_ = s.rdb.Del(ctx, pendingKey(sess.ConversationID)).Err()
		return err
	}
	if err := s.rdb.Set(ctx, latestKey(sess.ConversationID), sess.ID, s.retention).Err(); err != nil {
		return fmt.Errorf("create auth session: %w", err)
	}
	return nil
}

func (s *RedisStore) put(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode auth session: %w", err)
	}
	if err := s.rdb.Set(ctx, sessionKey(sess.ID), raw, s.retention).Err(); err != nil {
		return fmt.Errorf("store auth session: %w", err)
	}
	return nil
}

func (s *RedisStore) Save(ctx context.Context, sess *Session) error {
	if _, err := s.load(ctx, sess.ID); err != nil {
		return err
	}
	if err := s.put(ctx, sess); err != nil {
		return err
	}
	if sess.Status != StatusPending {
		if err := s.rdb.Del(ctx, pendingKey(sess.ConversationID)).Err(); err != nil {
			return fmt.Errorf("clear pending auth session: %w", err)
		}
	}
	if sess.Status == StatusVerified {
		ttl := ttlUntil(sess.ExpiresAt, time.Now())
		if err := s.rdb.Set(ctx, levelKey(sess.ConversationID, sess.Method), sess.ID, ttl).Err(); err != nil {
			return fmt.Errorf("store auth level: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) RevokeVerified(ctx context.Context, conversationID string, now time.Time) error {
	for _, l := range []Level{LevelKBA, LevelOTP} {
		id, err := s.rdb.Get(ctx, levelKey(conversationID, l)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("revoke auth sessions: %w", err)
		}
		if sess, err := s.load(ctx, id); err == nil {
			sess.Status = StatusExpired
			sess.ExpiresAt = now
			_ = s.put(ctx, sess)
		}
		if err := s.rdb.Del(ctx, levelKey(conversationID, l)).Err(); err != nil {
			return fmt.Errorf("revoke auth sessions: %w", err)
		}
	}
	return nil
}
