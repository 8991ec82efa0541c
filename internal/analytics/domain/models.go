// Package domain contains the analytics persistence models and the client
// surface the metering pipeline reads settled usage through.
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"gorm.io/datatypes"
)

var (
	ErrUnavailable = errors.New("analytics_unavailable")
)

// FeatureUsageRecord is the settled, append-only copy of a usage event.
// IDs are ULIDs, so lexicographic order is insertion order.
type FeatureUsageRecord struct {
	ID             string            `gorm:"primaryKey;type:text"`
	ProjectID      string            `gorm:"type:text;not null;index:ix_usage_subject,priority:1"`
	CustomerID     string            `gorm:"type:text;not null;index:ix_usage_subject,priority:2"`
	FeatureSlug    string            `gorm:"type:text;not null;index:ix_usage_subject,priority:3"`
	Usage          decimal.Decimal   `gorm:"type:numeric;not null"`
	Timestamp      time.Time         `gorm:"not null"`
	IdempotenceKey string            `gorm:"type:text"`
	RequestID      string            `gorm:"type:text"`
	Cost           decimal.Decimal   `gorm:"type:numeric"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	Deleted        bool              `gorm:"not null;default:false"`
	CreatedAt      time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (FeatureUsageRecord) TableName() string { return "unprice_feature_usage_records" }

// FeatureVerification is the settled copy of one verify decision.
type FeatureVerification struct {
	ID           string            `gorm:"primaryKey;type:text"`
	ProjectID    string            `gorm:"type:text;not null;index:ix_verification_subject,priority:1"`
	CustomerID   string            `gorm:"type:text;not null;index:ix_verification_subject,priority:2"`
	FeatureSlug  string            `gorm:"type:text;not null;index:ix_verification_subject,priority:3"`
	Timestamp    time.Time         `gorm:"not null"`
	Allowed      bool              `gorm:"not null"`
	DeniedReason string            `gorm:"type:text"`
	LatencyMs    float64           `gorm:"not null;default:0"`
	RequestID    string            `gorm:"type:text"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (FeatureVerification) TableName() string { return "unprice_feature_verifications" }

// UsageCursorQuery selects settled records for one entitlement, bounded by
// an exclusive ULID cursor window.
type UsageCursorQuery struct {
	ProjectID   string
	CustomerID  string
	FeatureSlug string
	Aggregation entitlementdomain.AggregationMethod
	// CycleStart bounds per-cycle aggregations. All-time variants ignore it.
	CycleStart time.Time
	// AfterRecordID excludes records at or before the cursor. Empty means
	// read from the beginning of the window.
	AfterRecordID string
	// BeforeRecordID excludes records at or after the bound. Empty means
	// read to the end.
	BeforeRecordID string
}

// UsageCursorResult is the aggregate over the cursor window plus the cursor
// to resume from.
type UsageCursorResult struct {
	Total decimal.Decimal
	// LastRecordID is the highest record id inside the window, or empty
	// when the window held no records.
	LastRecordID string
	Records      int64
}

// BillingUsageRow is one feature's settled totals for an open cycle.
type BillingUsageRow struct {
	FeatureSlug string
	Usage       decimal.Decimal
	Cost        decimal.Decimal
	Events      int64
}
