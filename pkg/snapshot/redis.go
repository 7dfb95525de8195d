package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address     string        `yaml:"address" json:"address"`
	Password    string        `yaml:"password" json:"-"`
	DB          int           `yaml:"db" json:"db"`
	Prefix      string        `yaml:"prefix" json:"prefix"` // key prefix for namespacing
	TTL         time.Duration `yaml:"ttl" json:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
}

// DefaultRedisConfig returns local defaults. The TTL outlives several
// publish periods so a stalled fleetd shows up as missing keys, not stale ones.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:     "localhost:6379",
		DB:          0,
		Prefix:      "fleet:",
		TTL:         30 * time.Second,
		DialTimeout: 5 * time.Second,
	}
}

// RedisStore implements Store on Redis
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultRedisConfig().DialTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Address, err)
	}

	return NewRedisStoreFromClient(client, cfg.Prefix), nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, keyPrefix: prefix}
}

func (s *RedisStore) prefixKey(key string) string {
	return s.keyPrefix + key
}

// Put writes all entries in one MULTI/EXEC transaction
func (s *RedisStore) Put(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, s.prefixKey(k), v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %d snapshot keys: %w", len(entries), err)
	}
	return nil
}

// Get retrieves one document
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get key %s: %w", key, err)
	}
	return val, nil
}

// Delete removes documents
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefixKey(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("delete %d snapshot keys: %w", len(keys), err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}
