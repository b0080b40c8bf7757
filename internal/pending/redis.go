package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"deriv-bot-manager/config"
	"deriv-bot-manager/internal/credentials"
	"deriv-bot-manager/internal/logging"

	"github.com/redis/go-redis/v9"
)

const keyPattern = "pending:%s"

// redisPayload is the JSON stored per key. The credential keeps its tagged form.
type redisPayload struct {
	ID             string    `json:"id"`
	CredentialKind string    `json:"credential_kind"`
	CredentialRef  string    `json:"credential_value"`
	PaymentRef     string    `json:"payment_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RedisStore persists activations in Redis so they survive restarts. Expiry is
// delegated to Redis key TTLs.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *logging.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
}

// NewRedisClient opens a client from config and verifies connectivity
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// NewRedisStore wraps an open client
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  keyPrefix,
		ttl:     ttl,
		logger:  logging.WithComponent("pending-redis"),
		healthy: true,
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + fmt.Sprintf(keyPattern, id)
}

// IsHealthy returns whether recent Redis operations succeeded
func (s *RedisStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *RedisStore) record(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		if !s.healthy {
			s.logger.Info("Redis recovered")
		}
		s.healthy = true
		s.failureCount = 0
		return
	}
	s.failureCount++
	if s.failureCount >= 3 && s.healthy {
		s.healthy = false
		s.logger.WithError(err).Warn("Redis marked unhealthy", "failures", s.failureCount)
	}
}

func (s *RedisStore) Put(ctx context.Context, a Activation) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	data, err := encodePayload(a)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.key(a.ID), data, s.ttl).Result()
	s.record(err)
	if err != nil {
		return fmt.Errorf("failed to stage pending activation: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, id string) (Activation, bool, error) {
	data, err := s.client.GetDel(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.record(nil)
		return Activation{}, false, nil
	}
	s.record(err)
	if err != nil {
		return Activation{}, false, fmt.Errorf("failed to take pending activation: %w", err)
	}

	a, err := decodePayload(data)
	if err != nil {
		return Activation{}, false, err
	}
	return a, true, nil
}

func (s *RedisStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(id)).Result()
	s.record(err)
	if err != nil {
		return false, fmt.Errorf("failed to check pending activation: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) List(ctx context.Context) ([]Activation, error) {
	var out []Activation
	iter := s.client.Scan(ctx, 0, s.key("*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			// expired or taken between SCAN and GET
			continue
		}
		if err != nil {
			s.record(err)
			return nil, fmt.Errorf("failed to read pending activation: %w", err)
		}
		a, err := decodePayload(data)
		if err != nil {
			s.logger.WithError(err).Warn("Skipping undecodable pending entry", "key", iter.Val())
			continue
		}
		out = append(out, a)
	}
	if err := iter.Err(); err != nil {
		s.record(err)
		return nil, fmt.Errorf("failed to scan pending activations: %w", err)
	}
	s.record(nil)

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func encodePayload(a Activation) ([]byte, error) {
	kind, value := a.Credential.Encode()
	data, err := json.Marshal(redisPayload{
		ID:             a.ID,
		CredentialKind: kind,
		CredentialRef:  value,
		PaymentRef:     a.PaymentRef,
		CreatedAt:      a.CreatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending activation: %w", err)
	}
	return data, nil
}

func decodePayload(data []byte) (Activation, error) {
	var p redisPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Activation{}, fmt.Errorf("failed to decode pending activation: %w", err)
	}
	ref, err := credentials.Decode(p.CredentialKind, p.CredentialRef)
	if err != nil {
		return Activation{}, err
	}
	return Activation{ID: p.ID, Credential: ref, PaymentRef: p.PaymentRef, CreatedAt: p.CreatedAt}, nil
}
