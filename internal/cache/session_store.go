package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stockbook/backend/internal/domain"
)

const (
	sessionKeyPrefix     = "stockbook:session:"
	userSessionKeyPrefix = "stockbook:user-sessions:"
)

// RedisSessionStore shares login sessions between server instances. Each
// session expires with its token; a per-user set indexes them for bulk
// revocation.
type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) SaveSession(ctx context.Context, session domain.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return err
	}
	userKey := userSessionKeyPrefix + session.Username
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+session.ID, payload, ttl)
		pipe.SAdd(ctx, userKey, session.ID)
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	return err
}

func (s *RedisSessionStore) GetSession(ctx context.Context, id string) (*domain.Session, bool, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var session domain.Session
	if err := json.Unmarshal(val, &session); err != nil {
		return nil, false, err
	}
	return &session, true, nil
}

func (s *RedisSessionStore) DeleteSession(ctx context.Context, id string) error {
	session, ok, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKeyPrefix+id)
		if ok {
			pipe.SRem(ctx, userSessionKeyPrefix+session.Username, id)
		}
		return nil
	})
	return err
}

func (s *RedisSessionStore) DeleteUserSessions(ctx context.Context, username string, keep string) error {
	userKey := userSessionKeyPrefix + username
	ids, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return err
	}
	revoked := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != keep {
			revoked = append(revoked, id)
		}
	}
	if len(revoked) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range revoked {
			pipe.Del(ctx, sessionKeyPrefix+id)
			pipe.SRem(ctx, userKey, id)
		}
		return nil
	})
	return err
}
