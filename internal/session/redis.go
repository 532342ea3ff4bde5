package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores each session as a JSON string under <prefix><user id>.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(ctx context.Context, cfg Config) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "postbot:session:"
	}
	return &Redis{rdb: rdb, prefix: prefix, ttl: cfg.TTL}, nil
}

func (r *Redis) key(userID int64) string { return r.prefix + strconv.FormatInt(userID, 10) }

func (r *Redis) Get(ctx context.Context, userID int64) (Session, error) {
	raw, err := r.rdb.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{UserID: userID}, nil
	}
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		// Corrupt entries are dropped rather than blocking the user.
		_ = r.rdb.Del(ctx, r.key(userID)).Err()
		return Session{UserID: userID}, nil
	}
	s.UserID = userID
	return s, nil
}

func (r *Redis) Save(ctx context.Context, s Session) error {
	s.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.key(s.UserID), b, r.ttl).Err()
}

func (r *Redis) Clear(ctx context.Context, userID int64) error {
	return r.rdb.Del(ctx, r.key(userID)).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }
