package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/unprice/internal/config"
)

const (
	keyProject  = "unprice:rl:project:%s"
	keyCustomer = "unprice:rl:customer:%s:%s"
)

// EdgeLimiter throttles verify/report traffic per project and per customer.
// A disabled limiter allows everything.
type EdgeLimiter struct {
	enabled bool
	bucket  *TokenBucket

	projectRate   float64
	projectBurst  int
	customerRate  float64
	customerBurst int
}

func NewEdgeLimiter(cfg config.Config, client redis.UniversalClient) *EdgeLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &EdgeLimiter{}
	}
	return &EdgeLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		projectRate:   limitCfg.ProjectRate,
		projectBurst:  limitCfg.ProjectBurst,
		customerRate:  limitCfg.CustomerRate,
		customerBurst: limitCfg.CustomerBurst,
	}
}

func (l *EdgeLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *EdgeLimiter) AllowProject(ctx context.Context, projectID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyProject, strings.TrimSpace(projectID))
	return l.bucket.Allow(ctx, key, l.projectRate, l.projectBurst)
}

func (l *EdgeLimiter) AllowCustomer(ctx context.Context, projectID, customerID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyCustomer, strings.TrimSpace(projectID), strings.TrimSpace(customerID))
	return l.bucket.Allow(ctx, key, l.customerRate, l.customerBurst)
}
