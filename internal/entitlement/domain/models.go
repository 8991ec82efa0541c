package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BillingConfig describes the billing interval attached to a grant's
// feature-plan version.
type BillingConfig struct {
	Name          string    `json:"name"`
	Interval      string    `json:"interval"`
	IntervalCount int       `json:"interval_count"`
	PlanType      string    `json:"plan_type"`
	Anchor        time.Time `json:"anchor"`
}

// ResetConfig describes when a period-scoped meter resets.
type ResetConfig struct {
	Name          string    `json:"name"`
	Interval      string    `json:"interval"`
	IntervalCount int       `json:"interval_count"`
	PlanType      string    `json:"plan_type"`
	Anchor        time.Time `json:"anchor"`
}

// FeatureMetadata carries behavioral flags from the plan version.
type FeatureMetadata struct {
	OverageStrategy      OverageStrategy `json:"overage_strategy"`
	NotifyUsageThreshold float64         `json:"notify_usage_threshold"`
	BlockCustomer        bool            `json:"block_customer"`
	Hidden               bool            `json:"hidden"`
	Realtime             bool            `json:"realtime"`
}

// PriceTier is one step of a tiered or package price.
type PriceTier struct {
	FirstUnit float64          `json:"first_unit"`
	LastUnit  *float64         `json:"last_unit,omitempty"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	FlatPrice *decimal.Decimal `json:"flat_price,omitempty"`
}

// PricePackage prices usage in fixed-size blocks.
type PricePackage struct {
	Size  float64         `json:"size"`
	Price decimal.Decimal `json:"price"`
}

// PricingConfig is the pricing shape of the winning grant.
type PricingConfig struct {
	Tiers     []PriceTier      `json:"tiers,omitempty"`
	Packages  []PricePackage   `json:"packages,omitempty"`
	FlatPrice *decimal.Decimal `json:"flat_price,omitempty"`
	Currency  string           `json:"currency,omitempty"`
}

// GrantSnapshot is the immutable view of a winning grant embedded in an
// entitlement. The version hash is computed over the snapshot list.
type GrantSnapshot struct {
	ID          string           `json:"id"`
	Type        string           `json:"type"`
	Name        string           `json:"name"`
	EffectiveAt time.Time        `json:"effective_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	Limit       *decimal.Decimal `json:"limit,omitempty"`
	Priority    int              `json:"priority"`
	Config      PricingConfig    `json:"config"`
}

// Entitlement is the merged per-(customer, feature) view of active grants.
type Entitlement struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	CustomerID        string            `json:"customer_id"`
	FeatureSlug       string            `json:"feature_slug"`
	FeatureType       FeatureType       `json:"feature_type"`
	UsageMode         UsageMode         `json:"usage_mode,omitempty"`
	Limit             *decimal.Decimal  `json:"limit,omitempty"`
	AggregationMethod AggregationMethod `json:"aggregation_method"`
	ResetConfig       *ResetConfig      `json:"reset_config,omitempty"`
	MergingPolicy     MergingPolicy     `json:"merging_policy"`
	Overage           OverageStrategy   `json:"overage_strategy"`
	NotifyThreshold   float64           `json:"notify_usage_threshold"`
	BlockCustomer     bool              `json:"block_customer"`
	Realtime          bool              `json:"realtime"`
	Grants            []GrantSnapshot   `json:"grants"`
	Version           string            `json:"version"`
	EffectiveAt       time.Time         `json:"effective_at"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	NextRevalidateAt  time.Time         `json:"next_revalidate_at"`
	ComputedAt        time.Time         `json:"computed_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
}

// Active reports whether the entitlement window covers now.
func (e Entitlement) Active(now time.Time) bool {
	if now.Before(e.EffectiveAt) {
		return false
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	return true
}

// Winner returns the highest-priority grant retained in the snapshot.
func (e Entitlement) Winner() *GrantSnapshot {
	if len(e.Grants) == 0 {
		return nil
	}
	win := &e.Grants[0]
	for i := range e.Grants[1:] {
		g := &e.Grants[i+1]
		if g.Priority > win.Priority {
			win = g
		}
	}
	return win
}

// MeterState is the persistable runtime counter of an entitlement.
type MeterState struct {
	Usage            decimal.Decimal `json:"usage"`
	SnapshotUsage    decimal.Decimal `json:"snapshot_usage"`
	LastReconciledID string          `json:"last_reconciled_id"`
	LastUpdated      time.Time       `json:"last_updated"`
	LastCycleStart   *time.Time      `json:"last_cycle_start,omitempty"`
}

// EntitlementState is the live state held by the actor.
type EntitlementState struct {
	Entitlement
	Meter *MeterState `json:"meter,omitempty"`
}

// MinimalEntitlement is the list-view projection cached per customer.
type MinimalEntitlement struct {
	FeatureSlug string           `json:"feature_slug"`
	FeatureType FeatureType      `json:"feature_type"`
	Limit       *decimal.Decimal `json:"limit,omitempty"`
	Version     string           `json:"version"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

// AccessControlList is the per-customer gate cached for the edge.
type AccessControlList struct {
	UsageLimitReached  bool   `json:"usage_limit_reached"`
	Disabled           bool   `json:"disabled"`
	SubscriptionStatus string `json:"subscription_status"`
}

// CurrentUsage is the human-facing usage summary for a customer.
type CurrentUsage struct {
	PlanName      string              `json:"plan_name"`
	BillingPeriod string              `json:"billing_period"`
	RenewalDate   *time.Time          `json:"renewal_date,omitempty"`
	DaysRemaining int                 `json:"days_remaining"`
	Currency      string              `json:"currency"`
	Groups        []CurrentUsageGroup `json:"groups"`
	PriceSummary  PriceSummary        `json:"price_summary"`
}

// CurrentUsageGroup batches feature summaries by feature type.
type CurrentUsageGroup struct {
	Name     string                `json:"name"`
	Features []CurrentUsageFeature `json:"features"`
}

// CurrentUsageFeature is one feature line in the usage summary.
type CurrentUsageFeature struct {
	FeatureSlug string           `json:"feature_slug"`
	FeatureType FeatureType      `json:"feature_type"`
	Usage       decimal.Decimal  `json:"usage"`
	Limit       *decimal.Decimal `json:"limit,omitempty"`
	Remaining   *decimal.Decimal `json:"remaining,omitempty"`
	Cost        decimal.Decimal  `json:"cost"`
	// Live marks features served from the hot meter rather than analytics.
	Live bool `json:"live"`
}

// PriceSummary totals the cost estimate across pricing shapes.
type PriceSummary struct {
	TotalPrice   decimal.Decimal `json:"total_price"`
	FlatTotal    decimal.Decimal `json:"flat_total"`
	TieredTotal  decimal.Decimal `json:"tiered_total"`
	PackageTotal decimal.Decimal `json:"package_total"`
	UsageTotal   decimal.Decimal `json:"usage_total"`
}
