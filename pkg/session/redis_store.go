package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRecordStore implements RecordStore using Redis. Records expire through
// the key TTL; Prune only cleans the namespace indexes.
type RedisRecordStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all record keys (default: "convene:record:").
	Prefix string
	// Retention is the record expiry duration (0 = never expire).
	Retention time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

const defaultRedisPrefix = "convene:record:"

// NewRedisRecordStore connects to Redis and returns a record store.
func NewRedisRecordStore(cfg RedisConfig) (*RedisRecordStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisRecordStoreFromClient(client, cfg.Prefix, cfg.Retention), nil
}

// NewRedisRecordStoreFromClient creates a store from an existing client.
func NewRedisRecordStoreFromClient(client *redis.Client, prefix string, retention time.Duration) *RedisRecordStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisRecordStore{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *RedisRecordStore) recordKey(key Key) string {
	return s.prefix + "state:" + key.Namespace + ":" + key.ID
}

func (s *RedisRecordStore) namespaceIndexKey(namespace string) string {
	return s.prefix + "ns:" + namespace
}

func (s *RedisRecordStore) namespacesKey() string {
	return s.prefix + "namespaces"
}

func (s *RedisRecordStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	return nil
}

// Save implements RecordStore.
func (s *RedisRecordStore) Save(ctx context.Context, state SessionState) error {
	if err := s.check(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	key := state.Key()
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.recordKey(key), data, s.retention)
	pipe.SAdd(ctx, s.namespaceIndexKey(key.Namespace), key.ID)
	pipe.SAdd(ctx, s.namespacesKey(), key.Namespace)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Load implements RecordStore.
func (s *RedisRecordStore) Load(ctx context.Context, key Key) (*SessionState, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get record: %w", err)
	}

	var state SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &state, nil
}

// List implements RecordStore.
func (s *RedisRecordStore) List(ctx context.Context, namespace string) ([]SessionState, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	namespaces := []string{namespace}
	if namespace == "" {
		all, err := s.client.SMembers(ctx, s.namespacesKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
		namespaces = all
	}

	var out []SessionState
	for _, ns := range namespaces {
		ids, err := s.client.SMembers(ctx, s.namespaceIndexKey(ns)).Result()
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		for _, id := range ids {
			st, err := s.Load(ctx, Key{Namespace: ns, ID: id})
			if err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					continue
				}
				return nil, err
			}
			out = append(out, *st)
		}
	}
	sortStates(out)
	return out, nil
}

// Delete implements RecordStore.
func (s *RedisRecordStore) Delete(ctx context.Context, key Key) error {
	if err := s.check(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.recordKey(key))
	pipe.SRem(ctx, s.namespaceIndexKey(key.Namespace), key.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Prune removes index entries whose records have expired.
func (s *RedisRecordStore) Prune(ctx context.Context) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}

	namespaces, err := s.client.SMembers(ctx, s.namespacesKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("list namespaces: %w", err)
	}

	removed := 0
	for _, ns := range namespaces {
		ids, err := s.client.SMembers(ctx, s.namespaceIndexKey(ns)).Result()
		if err != nil {
			return removed, fmt.Errorf("list records: %w", err)
		}
		for _, id := range ids {
			n, err := s.client.Exists(ctx, s.recordKey(Key{Namespace: ns, ID: id})).Result()
			if err != nil {
				return removed, fmt.Errorf("check record: %w", err)
			}
			if n == 0 {
				s.client.SRem(ctx, s.namespaceIndexKey(ns), id)
				removed++
			}
		}
		if left, err := s.client.SCard(ctx, s.namespaceIndexKey(ns)).Result(); err == nil && left == 0 {
			s.client.SRem(ctx, s.namespacesKey(), ns)
		}
	}
	return removed, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisRecordStore) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close implements RecordStore.
func (s *RedisRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

// String describes the store for logs.
func (s *RedisRecordStore) String() string {
	return "redis(" + strings.TrimSuffix(s.prefix, ":") + ")"
}
