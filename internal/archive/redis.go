package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyRecent       = "chess:results"
	keyResultPrefix = "chess:result:"
)

// RedisStore keeps the most recent results: a capped id list plus one JSON key per result.
type RedisStore struct {
	rdb   *redis.Client
	limit int64
	ttl   time.Duration
}

func NewRedisStore(ctx context.Context, redisURL string, limit int, ttl time.Duration) (*RedisStore, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisStore(rdb, limit, ttl), nil
}

func newRedisStore(rdb *redis.Client, limit int, ttl time.Duration) *RedisStore {
	if limit <= 0 {
		limit = 200
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, limit: int64(limit), ttl: ttl}
}

func (s *RedisStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *RedisStore) Save(ctx context.Context, r Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, resultKey(r.GameID), raw, s.ttl)
	pipe.LRem(ctx, keyRecent, 0, r.GameID)
	pipe.LPush(ctx, keyRecent, r.GameID)
	pipe.LTrim(ctx, keyRecent, 0, s.limit-1)
	pipe.Expire(ctx, keyRecent, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns nil, nil when the result is unknown or expired.
func (s *RedisStore) Get(ctx context.Context, id string) (*Result, error) {
	raw, err := s.rdb.Get(ctx, resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Recent returns up to n results, newest first. Expired entries are skipped.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]Result, error) {
	if n <= 0 || int64(n) > s.limit {
		n = int(s.limit)
	}
	ids, err := s.rdb.LRange(ctx, keyRecent, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Result{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = resultKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r Result
		if json.Unmarshal([]byte(str), &r) == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func resultKey(id string) string { return keyResultPrefix + strings.TrimSpace(id) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Username: u.User.Username(), Password: pass, DB: db}, nil
}
