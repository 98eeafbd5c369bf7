package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatusStore shares the status view between processes. Each event is a
// hash "<prefix>:pulse:<eventID>" with one field per channel, expiring after ttl.
type RedisStatusStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedisStatusStore(cfg RedisConfig) *RedisStatusStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStatusStoreWithClient(rdb, cfg.Prefix, cfg.TTL)
}

func NewRedisStatusStoreWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStatusStore {
	if prefix == "" {
		prefix = "vaultpulse"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStatusStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisStatusStore) key(eventID string) string {
	return r.prefix + ":pulse:" + eventID
}

func (r *RedisStatusStore) Set(ctx context.Context, eventID, channel string, st Status) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	k := r.key(eventID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, k, channel, b)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis status set: %w", err)
	}
	return nil
}

func (r *RedisStatusStore) Get(ctx context.Context, eventID string) (map[string]Status, error) {
	m, err := r.client.HGetAll(ctx, r.key(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis status get: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNoStatus
	}
	out := make(map[string]Status, len(m))
	for ch, raw := range m {
		var st Status
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out[ch] = st
	}
	return out, nil
}

// Ping checks connectivity. NewApp calls it so a bad address fails startup.
func (r *RedisStatusStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStatusStore) Close() error {
	return r.client.Close()
}
