package cache

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"go.uber.org/zap"
)

// EntitlementCache groups the namespaces the orchestrator reads through.
type EntitlementCache struct {
	// Entitlement caches the merged per-(customer, feature) state.
	Entitlement *Namespace[*entitlementdomain.EntitlementState]
	// Entitlements caches the per-customer list projection.
	Entitlements *Namespace[[]entitlementdomain.MinimalEntitlement]
	// Negative remembers (customer, feature) pairs known to have no grants
	// so repeated lookups for absent features skip the resolver.
	Negative *Namespace[bool]
	// ACL caches the per-customer edge gate.
	ACL *Namespace[*entitlementdomain.AccessControlList]
	// CurrentUsage caches the billing-period usage summary.
	CurrentUsage *Namespace[*entitlementdomain.CurrentUsage]
}

// NewEntitlementCache builds every namespace over one shared redis client.
func NewEntitlementCache(rdb redis.UniversalClient, cfg config.CacheConfig, onLookup func(string, Status), logger *zap.Logger) *EntitlementCache {
	retry := func(o Options) Options {
		o.RetryAttempts = cfg.RetryAttempts
		o.RetryBaseInterval = cfg.RetryBaseInterval
		o.OnLookup = onLookup
		return o
	}
	return &EntitlementCache{
		Entitlement: NewNamespace[*entitlementdomain.EntitlementState]("customer_entitlement", rdb, retry(Options{
			FreshTTL:    cfg.EntitlementTTL,
			StaleTTL:    cfg.EntitlementSWR,
			NegativeTTL: cfg.NegativeTTL,
		}), logger),
		Entitlements: NewNamespace[[]entitlementdomain.MinimalEntitlement]("customer_entitlements", rdb, retry(Options{
			FreshTTL:    cfg.EntitlementsTTL,
			StaleTTL:    cfg.EntitlementsTTL,
			NegativeTTL: cfg.NegativeTTL,
		}), logger),
		Negative: NewNamespace[bool]("negative_entitlements", rdb, retry(Options{
			FreshTTL:    cfg.NegativeTTL,
			StaleTTL:    cfg.NegativeTTL,
			NegativeTTL: cfg.NegativeTTL,
		}), logger),
		ACL: NewNamespace[*entitlementdomain.AccessControlList]("access_control_list", rdb, retry(Options{
			FreshTTL:    cfg.ACLTTL,
			StaleTTL:    cfg.ACLTTL,
			NegativeTTL: cfg.NegativeTTL,
		}), logger),
		CurrentUsage: NewNamespace[*entitlementdomain.CurrentUsage]("get_current_usage", rdb, retry(Options{
			FreshTTL:    cfg.CurrentUsageTTL,
			StaleTTL:    cfg.CurrentUsageSWR,
			NegativeTTL: cfg.NegativeTTL,
		}), logger),
	}
}

// CustomerKey addresses the per-customer namespaces.
func CustomerKey(projectID, customerID string) string {
	return fmt.Sprintf("%s:%s", projectID, customerID)
}

// FeatureKey addresses the per-(customer, feature) namespaces.
func FeatureKey(projectID, customerID, featureSlug string) string {
	return fmt.Sprintf("%s:%s:%s", projectID, customerID, featureSlug)
}

// InvalidateCustomer drops every cached view of one customer. featureSlugs
// enumerates the per-feature keys; callers pass the slugs they know about.
func (c *EntitlementCache) InvalidateCustomer(ctx context.Context, projectID, customerID string, featureSlugs []string) {
	customerKey := CustomerKey(projectID, customerID)
	c.Entitlements.Delete(ctx, customerKey)
	c.ACL.Delete(ctx, customerKey)
	c.CurrentUsage.Delete(ctx, customerKey)
	for _, slug := range featureSlugs {
		featureKey := FeatureKey(projectID, customerID, slug)
		c.Entitlement.Delete(ctx, featureKey)
		c.Negative.Delete(ctx, featureKey)
	}
}
