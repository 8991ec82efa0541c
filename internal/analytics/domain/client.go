package domain

import (
	"context"
	"time"

	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
)

// Client is the analytics surface consumed by the orchestrator, the
// reconciler and the actor flush path. Reads aggregate settled records;
// writes ingest flushed buffers.
type Client interface {
	// GetFeaturesUsageCursor aggregates settled usage for one entitlement
	// inside the cursor window.
	GetFeaturesUsageCursor(ctx context.Context, q UsageCursorQuery) (UsageCursorResult, error)

	// GetBillingUsage returns per-feature settled totals for the cycle
	// starting at cycleStart.
	GetBillingUsage(ctx context.Context, projectID, customerID string, cycleStart time.Time) ([]BillingUsageRow, error)

	IngestUsageRecords(ctx context.Context, records []entitlementdomain.UsageRecord) error
	IngestVerifications(ctx context.Context, verifications []entitlementdomain.Verification) error
}
