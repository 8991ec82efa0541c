// Package client wraps the analytics store with a circuit breaker and
// bounded retries so a degraded analytics backend cannot stall the hot path.
package client

import (
	"context"
	"time"

	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type guarded struct {
	next    analyticsdomain.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	attempts int
	baseWait time.Duration
}

// New wraps next with a shared circuit breaker. Reads additionally retry
// with exponential backoff before surfacing ErrUnavailable.
func New(next analyticsdomain.Client, cfg config.CacheConfig, logger *zap.Logger) analyticsdomain.Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analytics",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("analytics breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	baseWait := cfg.RetryBaseInterval
	if baseWait <= 0 {
		baseWait = 50 * time.Millisecond
	}
	return &guarded{
		next:     next,
		breaker:  cb,
		logger:   logger.Named("analytics.client"),
		attempts: attempts,
		baseWait: baseWait,
	}
}

func (c *guarded) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	var lastErr error
	wait := c.baseWait
	for attempt := 1; attempt <= c.attempts; attempt++ {
		out, err := c.breaker.Execute(fn)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			break
		}
		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	c.logger.Error("analytics call failed",
		zap.String("op", op),
		zap.Int("attempts", c.attempts),
		zap.Error(lastErr))
	return nil, analyticsdomain.ErrUnavailable
}

func (c *guarded) GetFeaturesUsageCursor(ctx context.Context, q analyticsdomain.UsageCursorQuery) (analyticsdomain.UsageCursorResult, error) {
	out, err := c.execute(ctx, "get_features_usage_cursor", func() (any, error) {
		return c.next.GetFeaturesUsageCursor(ctx, q)
	})
	if err != nil {
		return analyticsdomain.UsageCursorResult{}, err
	}
	return out.(analyticsdomain.UsageCursorResult), nil
}

func (c *guarded) GetBillingUsage(ctx context.Context, projectID, customerID string, cycleStart time.Time) ([]analyticsdomain.BillingUsageRow, error) {
	out, err := c.execute(ctx, "get_billing_usage", func() (any, error) {
		return c.next.GetBillingUsage(ctx, projectID, customerID, cycleStart)
	})
	if err != nil {
		return nil, err
	}
	return out.([]analyticsdomain.BillingUsageRow), nil
}

// Writes skip the retry loop: the actor keeps flushed buffers until the
// ingest succeeds, so a failed write is retried on the next alarm.
func (c *guarded) IngestUsageRecords(ctx context.Context, records []entitlementdomain.UsageRecord) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.next.IngestUsageRecords(ctx, records)
	})
	return err
}

func (c *guarded) IngestVerifications(ctx context.Context, verifications []entitlementdomain.Verification) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.next.IngestVerifications(ctx, verifications)
	})
	return err
}
