package provider

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisUpdateRetries = 5

// RedisHealthStore shares provider health between worker processes. Each
// provider is one hash updated under WATCH; keys expire after ttl of
// inactivity so a forgotten provider resets to healthy.
type RedisHealthStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisHealthStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisHealthStore {
	if prefix == "" {
		prefix = "newsflow:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHealthStore{rdb: rdb, prefix: prefix, ttl: ttl}
}

var _ HealthStore = (*RedisHealthStore)(nil)

func (s *RedisHealthStore) key(name string) string {
	return s.prefix + "provider:" + name + ":health"
}

func (s *RedisHealthStore) Load(ctx context.Context, name string) (Health, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return Health{}, err
	}
	return decodeHealth(vals), nil
}

func (s *RedisHealthStore) Update(ctx context.Context, name string, fn func(*Health)) (Health, error) {
	key := s.key(name)
	var out Health
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		h := decodeHealth(vals)
		fn(&h)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeHealth(h))
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		if err == nil {
			out = h
		}
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Health{}, err
	}
	return Health{}, redis.TxFailedErr
}

func encodeHealth(h Health) map[string]any {
	var openUntil int64
	if !h.OpenUntil.IsZero() {
		openUntil = h.OpenUntil.UnixNano()
	}
	healthy := "0"
	if h.Healthy {
		healthy = "1"
	}
	return map[string]any{
		"healthy":    healthy,
		"latency_ms": strconv.FormatFloat(h.LatencyMS, 'f', -1, 64),
		"failures":   h.ConsecutiveFailures,
		"open_until": openUntil,
		"calls":      h.Calls,
		"last_error": h.LastError,
	}
}

func decodeHealth(vals map[string]string) Health {
	if len(vals) == 0 {
		return Health{Healthy: true}
	}
	h := Health{
		Healthy:   vals["healthy"] == "1",
		LastError: vals["last_error"],
	}
	h.LatencyMS, _ = strconv.ParseFloat(vals["latency_ms"], 64)
	h.ConsecutiveFailures, _ = strconv.Atoi(vals["failures"])
	h.Calls, _ = strconv.ParseInt(vals["calls"], 10, 64)
	if n, _ := strconv.ParseInt(vals["open_until"], 10, 64); n > 0 {
		h.OpenUntil = time.Unix(0, n)
	}
	return h
}
