package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
	"github.com/raaihank/pii-gateway/internal/policy"
)

// NewClient connects to Redis using the pool settings of cfg
func NewClient(cfg config.RedisConfig, log *logger.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis connected",
		zap.String("redis_url", maskRedisURL(cfg.URL)),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Duration("policy_ttl", cfg.PolicyTTL))

	return client, nil
}

// Client is the subset of *redis.Client the policy cache uses
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

var _ Client = (*redis.Client)(nil)

// PolicyStore caches Resolve results of another policy.Store in Redis.
// Misses are cached too, so providers without a policy do not hit the
// database on every request. Redis failures fall through to the inner store.
//
// Cache keys carry a per-provider generation. Writes bump the generation
// after the inner store commits, so a fill that read the inner store
// before the write lands under a generation no reader asks for again.
type PolicyStore struct {
	inner   policy.Store
	client  Client
	ttl     time.Duration
	prefix  string
	logger  *logger.Logger
	metrics *metrics.Metrics
}

var _ policy.Store = (*PolicyStore)(nil)

// entry is the cached form of a Resolve result
type entry struct {
	Found  bool           `json:"found"`
	Policy *policy.Policy `json:"policy,omitempty"`
}

func NewPolicyStore(inner policy.Store, client Client, cfg config.RedisConfig, log *logger.Logger, m *metrics.Metrics) *PolicyStore {
	return &PolicyStore{
		inner:   inner,
		client:  client,
		ttl:     cfg.PolicyTTL,
		prefix:  cfg.KeyPrefix,
		logger:  log.WithComponent("policy_cache"),
		metrics: m,
	}
}

func (s *PolicyStore) Resolve(ctx context.Context, provider, model string) (*policy.Policy, error) {
	generation, err := s.generation(ctx, provider)
	if err != nil {
		s.metrics.ObservePolicyCache("error")
		s.logger.Warn("Policy cache lookup failed", zap.Error(err))
		return s.inner.Resolve(ctx, provider, model)
	}
	key := s.key(provider, generation, model)

	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached entry
		if jsonErr := json.Unmarshal(data, &cached); jsonErr == nil {
			s.metrics.ObservePolicyCache("hit")
			if !cached.Found || cached.Policy == nil {
				return nil, policy.ErrNotFound
			}
			return cached.Policy, nil
		}
		// Delete corrupted cache entry
		s.client.Del(ctx, key)
		s.metrics.ObservePolicyCache("miss")
	case errors.Is(err, redis.Nil):
		s.metrics.ObservePolicyCache("miss")
	default:
		s.metrics.ObservePolicyCache("error")
		s.logger.Warn("Policy cache lookup failed", zap.Error(err))
	}

	p, err := s.inner.Resolve(ctx, provider, model)
	if err != nil && !errors.Is(err, policy.ErrNotFound) {
		return nil, err
	}

	s.store(ctx, key, entry{Found: err == nil, Policy: p})
	return p, err
}

func (s *PolicyStore) Get(ctx context.Context, provider, model string) (*policy.Policy, error) {
	return s.inner.Get(ctx, provider, model)
}

func (s *PolicyStore) List(ctx context.Context, provider string) ([]*policy.Policy, error) {
	return s.inner.List(ctx, provider)
}

func (s *PolicyStore) Create(ctx context.Context, p *policy.Policy) error {
	if err := s.inner.Create(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.Provider)
	return nil
}

func (s *PolicyStore) Update(ctx context.Context, p *policy.Policy) error {
	if err := s.inner.Update(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.Provider)
	return nil
}

func (s *PolicyStore) Delete(ctx context.Context, provider, model string) error {
	if err := s.inner.Delete(ctx, provider, model); err != nil {
		return err
	}
	s.invalidate(ctx, provider)
	return nil
}

func (s *PolicyStore) store(ctx context.Context, key string, e entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Debug("Failed to cache policy", zap.Error(err))
	}
}

// generation returns the provider's current key generation. A missing
// counter is generation 0.
func (s *PolicyStore) generation(ctx context.Context, provider string) (int64, error) {
	n, err := s.client.Get(ctx, s.generationKey(provider)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// invalidate retires every cached resolution of provider. A write to the
// "*" record changes the answer for all of the provider's models.
// Retired entries expire with the policy TTL.
func (s *PolicyStore) invalidate(ctx context.Context, provider string) {
	generation, err := s.client.Incr(ctx, s.generationKey(provider)).Result()
	if err != nil {
		s.logger.Error("Failed to invalidate policy cache",
			zap.Error(err),
			zap.String("provider", provider),
			zap.Duration("stale_for", s.ttl))
		return
	}

	s.logger.Debug("Policy cache invalidated",
		zap.String("provider", provider),
		zap.Int64("generation", generation))
}

// Escaped components keep ":" and glob characters out of the key segments.
func (s *PolicyStore) providerPrefix(provider string) string {
	return s.prefix + url.QueryEscape(provider) + ":"
}

func (s *PolicyStore) generationKey(provider string) string {
	return s.providerPrefix(provider) + "generation"
}

func (s *PolicyStore) key(provider string, generation int64, model string) string {
	return s.providerPrefix(provider) + strconv.FormatInt(generation, 10) + ":" + url.QueryEscape(model)
}

// maskRedisURL masks sensitive information in Redis URL for logging
func maskRedisURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
