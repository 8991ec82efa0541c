package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Status classifies one cache lookup for metrics.
type Status string

const (
	StatusHit      Status = "hit"
	StatusStale    Status = "stale"
	StatusMiss     Status = "miss"
	StatusNegative Status = "negative"
	StatusError    Status = "error"
)

// ErrLoadFailed wraps a loader that kept failing after all retries.
var ErrLoadFailed = errors.New("cache_load_failed")

// Loader fetches the value for a key from origin. found=false means the key
// genuinely has no value and is cached negatively.
type Loader[V any] func(ctx context.Context) (value V, found bool, err error)

// envelope is what both tiers store: the value plus its freshness horizon.
// Entries older than FreshUntil but younger than StaleUntil are served stale
// while a background revalidation runs.
type envelope[V any] struct {
	Value      V         `json:"value"`
	Negative   bool      `json:"negative,omitempty"`
	FreshUntil time.Time `json:"fresh_until"`
	StaleUntil time.Time `json:"stale_until"`
}

// Options tunes one namespace.
type Options struct {
	// FreshTTL is how long an entry is served without revalidation.
	FreshTTL time.Duration
	// StaleTTL is the total lifetime. Between FreshTTL and StaleTTL the
	// entry is served stale and refreshed in the background.
	StaleTTL time.Duration
	// NegativeTTL is the lifetime of "does not exist" entries.
	NegativeTTL time.Duration

	RetryAttempts     int
	RetryBaseInterval time.Duration

	// OnLookup receives one call per Get for metrics.
	OnLookup func(namespace string, status Status)
}

// Namespace is one keyspace of the tiered cache.
type Namespace[V any] struct {
	name   string
	hot    Cache[string, envelope[V]]
	redis  redis.UniversalClient
	opts   Options
	group  singleflight.Group
	logger *zap.Logger
}

// NewNamespace builds a namespace over the shared redis client. A nil client
// degrades to the hot tier only.
func NewNamespace[V any](name string, rdb redis.UniversalClient, opts Options, logger *zap.Logger) *Namespace[V] {
	if opts.FreshTTL <= 0 {
		opts.FreshTTL = time.Minute
	}
	if opts.StaleTTL < opts.FreshTTL {
		opts.StaleTTL = opts.FreshTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = opts.FreshTTL
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseInterval <= 0 {
		opts.RetryBaseInterval = 50 * time.Millisecond
	}
	return &Namespace[V]{
		name:   name,
		hot:    NewTTLCache[string, envelope[V]](),
		redis:  rdb,
		opts:   opts,
		logger: logger.Named("cache." + name),
	}
}

func (n *Namespace[V]) redisKey(key string) string {
	return fmt.Sprintf("unprice:cache:%s:%s", n.name, key)
}

func (n *Namespace[V]) observe(status Status) {
	if n.opts.OnLookup != nil {
		n.opts.OnLookup(n.name, status)
	}
}

// Get returns the cached value for key, loading it through loader on a miss.
// found=false reports a cached or freshly-loaded negative entry.
func (n *Namespace[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	now := time.Now()

	if env, ok := n.hot.Get(key); ok {
		return n.serve(ctx, key, env, now, loader)
	}
	if env, ok := n.coldGet(ctx, key); ok {
		// Promote so the next lookup stays in process.
		n.hotSet(key, env, now)
		return n.serve(ctx, key, env, now, loader)
	}

	n.observe(StatusMiss)
	return n.loadAndStore(ctx, key, loader)
}

// serve applies the stale-while-revalidate policy to a tier hit.
func (n *Namespace[V]) serve(ctx context.Context, key string, env envelope[V], now time.Time, loader Loader[V]) (V, bool, error) {
	switch {
	case now.Before(env.FreshUntil):
		if env.Negative {
			n.observe(StatusNegative)
			var zero V
			return zero, false, nil
		}
		n.observe(StatusHit)
		return env.Value, true, nil

	case now.Before(env.StaleUntil):
		n.observe(StatusStale)
		n.revalidate(key, loader)
		if env.Negative {
			var zero V
			return zero, false, nil
		}
		return env.Value, true, nil

	default:
		n.Delete(ctx, key)
		n.observe(StatusMiss)
		return n.loadAndStore(ctx, key, loader)
	}
}

// revalidate refreshes key in the background. Concurrent stale hits for the
// same key collapse into a single origin fetch.
func (n *Namespace[V]) revalidate(key string, loader Loader[V]) {
	go func() {
		_, _, _ = n.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, _, err := n.loadAndStore(ctx, key, loader); err != nil {
				n.logger.Warn("background revalidation failed",
					zap.String("key", key), zap.Error(err))
			}
			return nil, nil
		})
	}()
}

// loadAndStore fetches from origin with bounded retries and writes both
// tiers.
func (n *Namespace[V]) loadAndStore(ctx context.Context, key string, loader Loader[V]) (V, bool, error) {
	var zero V
	if loader == nil {
		return zero, false, nil
	}

	var lastErr error
	wait := n.opts.RetryBaseInterval
	for attempt := 1; attempt <= n.opts.RetryAttempts; attempt++ {
		value, found, err := loader(ctx)
		if err == nil {
			if !found {
				n.SetNegative(ctx, key)
				return zero, false, nil
			}
			n.Set(ctx, key, value)
			return value, true, nil
		}
		lastErr = err
		if attempt == n.opts.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			n.observe(StatusError)
			return zero, false, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}

	n.observe(StatusError)
	return zero, false, fmt.Errorf("%w: %s: %v", ErrLoadFailed, key, lastErr)
}

// Set writes value to both tiers with a full freshness window.
func (n *Namespace[V]) Set(ctx context.Context, key string, value V) {
	now := time.Now()
	env := envelope[V]{
		Value:      value,
		FreshUntil: now.Add(n.opts.FreshTTL),
		StaleUntil: now.Add(n.opts.StaleTTL),
	}
	n.hotSet(key, env, now)
	n.coldSet(ctx, key, env, now)
}

// SetNegative records that key has no value.
func (n *Namespace[V]) SetNegative(ctx context.Context, key string) {
	now := time.Now()
	env := envelope[V]{
		Negative:   true,
		FreshUntil: now.Add(n.opts.NegativeTTL),
		StaleUntil: now.Add(n.opts.NegativeTTL),
	}
	n.hotSet(key, env, now)
	n.coldSet(ctx, key, env, now)
}

// Delete removes key from both tiers.
func (n *Namespace[V]) Delete(ctx context.Context, key string) {
	n.hot.Delete(key)
	if n.redis == nil {
		return
	}
	if err := n.redis.Del(ctx, n.redisKey(key)).Err(); err != nil {
		n.logger.Warn("cold tier delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (n *Namespace[V]) hotSet(key string, env envelope[V], now time.Time) {
	n.hot.Set(key, env, env.StaleUntil.Sub(now))
}

func (n *Namespace[V]) coldGet(ctx context.Context, key string) (envelope[V], bool) {
	var env envelope[V]
	if n.redis == nil {
		return env, false
	}
	raw, err := n.redis.Get(ctx, n.redisKey(key)).Bytes()
	if err == redis.Nil {
		return env, false
	}
	if err != nil {
		n.logger.Warn("cold tier read failed", zap.String("key", key), zap.Error(err))
		return env, false
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		n.logger.Warn("cold tier entry corrupt", zap.String("key", key), zap.Error(err))
		_ = n.redis.Del(ctx, n.redisKey(key)).Err()
		return env, false
	}
	return env, true
}

func (n *Namespace[V]) coldSet(ctx context.Context, key string, env envelope[V], now time.Time) {
	if n.redis == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		n.logger.Warn("cold tier encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	ttl := env.StaleUntil.Sub(now)
	if err := n.redis.Set(ctx, n.redisKey(key), raw, ttl).Err(); err != nil {
		n.logger.Warn("cold tier write failed", zap.String("key", key), zap.Error(err))
	}
}
