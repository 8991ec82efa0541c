package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// VerifyRequest asks whether a feature is allowed for a customer right now.
type VerifyRequest struct {
	CustomerID     string           `json:"customer_id"`
	ProjectID      string           `json:"project_id"`
	FeatureSlug    string           `json:"feature_slug"`
	Timestamp      time.Time        `json:"timestamp"`
	Usage          *decimal.Decimal `json:"usage,omitempty"`
	IdempotenceKey string           `json:"idempotence_key,omitempty"`
	RequestID      string           `json:"request_id"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	// FlushTimeMs asks the actor to ship buffered records within this many
	// milliseconds, clamped to the host's alarm window.
	FlushTimeMs int64 `json:"flush_time_ms,omitempty"`
}

// VerifyResult is the decision surface returned to the edge.
type VerifyResult struct {
	Allowed       bool             `json:"allowed"`
	Message       string           `json:"message,omitempty"`
	DeniedReason  DenyReason       `json:"denied_reason,omitempty"`
	Usage         decimal.Decimal  `json:"usage"`
	Limit         *decimal.Decimal `json:"limit,omitempty"`
	Remaining     *decimal.Decimal `json:"remaining,omitempty"`
	OverThreshold bool             `json:"over_threshold"`
	Latency       time.Duration    `json:"latency"`
	FeatureType   FeatureType      `json:"feature_type,omitempty"`
}

// ReportUsageRequest records N units of usage for a feature.
type ReportUsageRequest struct {
	CustomerID     string          `json:"customer_id"`
	ProjectID      string          `json:"project_id"`
	FeatureSlug    string          `json:"feature_slug"`
	Usage          decimal.Decimal `json:"usage"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotenceKey string          `json:"idempotence_key"`
	RequestID      string          `json:"request_id"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	FlushTimeMs    int64           `json:"flush_time_ms,omitempty"`
}

// ReportUsageResult is the meter outcome of a usage report.
type ReportUsageResult struct {
	Allowed          bool             `json:"allowed"`
	Remaining        *decimal.Decimal `json:"remaining,omitempty"`
	Message          string           `json:"message,omitempty"`
	DeniedReason     DenyReason       `json:"denied_reason,omitempty"`
	Usage            decimal.Decimal  `json:"usage"`
	Limit            *decimal.Decimal `json:"limit,omitempty"`
	Cost             *decimal.Decimal `json:"cost,omitempty"`
	AlreadyRecorded  bool             `json:"already_recorded"`
	NotifiedOverLimit bool            `json:"notified_over_limit"`
}

// Service is the entitlement orchestrator consumed by the actor.
type Service interface {
	Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (ReportUsageResult, error)
	GetCurrentUsage(ctx context.Context, projectID, customerID string) (*CurrentUsage, error)
	GetActiveEntitlements(ctx context.Context, projectID, customerID string) ([]MinimalEntitlement, error)
	GetAccessControlList(ctx context.Context, projectID, customerID string) (*AccessControlList, error)
	ResetEntitlements(ctx context.Context, projectID, customerID string) error
}

// UsageReader is the read-only surface the customer service consumes,
// breaking the orchestrator/customer-service cycle.
type UsageReader interface {
	GetCurrentUsage(ctx context.Context, projectID, customerID string) (*CurrentUsage, error)
}

// CustomerGate is the registry flag consulted on the decision path. A
// disabled customer is denied with REVOKED before any meter is touched.
type CustomerGate interface {
	IsDisabled(ctx context.Context, projectID, customerID string) (bool, error)
}
