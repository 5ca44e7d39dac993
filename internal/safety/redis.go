package safety

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for RedisFlagStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisFlagStore keeps operator flags in Redis so several tracker processes
// share one kill switch.
type RedisFlagStore struct {
	client    *redis.Client
	keyPrefix string
}

var _ FlagStore = (*RedisFlagStore)(nil)

// NewRedisFlagStore connects and pings Redis.
func NewRedisFlagStore(cfg RedisConfig) (*RedisFlagStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     4,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisFlagStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisFlagStoreFromClient wraps an existing client.
func NewRedisFlagStoreFromClient(client *redis.Client, keyPrefix string) *RedisFlagStore {
	if keyPrefix == "" {
		keyPrefix = "stocktracker:flags"
	}
	log.Printf("[Safety] Redis flag store ready - DB:%d, prefix:%s", client.Options().DB, keyPrefix)
	return &RedisFlagStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisFlagStore) key(name string) string {
	return s.keyPrefix + ":" + name
}

// GetFlag returns found=false when the key was never written.
func (s *RedisFlagStore) GetFlag(ctx context.Context, key string) (bool, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

func (s *RedisFlagStore) SetFlag(ctx context.Context, key string, on bool) error {
	val := "0"
	if on {
		val = "1"
	}
	return s.client.Set(ctx, s.key(key), val, 0).Err()
}

func (s *RedisFlagStore) Close() error {
	return s.client.Close()
}
