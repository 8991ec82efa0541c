package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageRecord is one append-only metered event shipped to analytics.
type UsageRecord struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id"`
	ProjectID      string          `json:"project_id"`
	FeatureSlug    string          `json:"feature_slug"`
	Usage          decimal.Decimal `json:"usage"`
	Timestamp      time.Time       `json:"timestamp"`
	IdempotenceKey string          `json:"idempotence_key"`
	RequestID      string          `json:"request_id"`
	CreatedAt      time.Time       `json:"created_at"`
	Metadata       RecordMetadata  `json:"metadata"`
	Deleted        bool            `json:"deleted"`
}

// RecordMetadata embeds the cost computed at report time.
type RecordMetadata struct {
	Cost         decimal.Decimal `json:"cost"`
	Rate         decimal.Decimal `json:"rate"`
	RateAmount   decimal.Decimal `json:"rate_amount"`
	RateCurrency string          `json:"rate_currency"`
	Extra        map[string]any  `json:"extra,omitempty"`
}

// Verification is one append-only verify decision shipped to analytics.
type Verification struct {
	CustomerID   string               `json:"customer_id"`
	ProjectID    string               `json:"project_id"`
	FeatureSlug  string               `json:"feature_slug"`
	Timestamp    time.Time            `json:"timestamp"`
	Allowed      bool                 `json:"allowed"`
	DeniedReason DenyReason           `json:"denied_reason,omitempty"`
	Metadata     VerificationMetadata `json:"metadata"`
	Latency      time.Duration        `json:"latency"`
	RequestID    string               `json:"request_id"`
	CreatedAt    time.Time            `json:"created_at"`
}

// VerificationMetadata snapshots the meter at decision time.
type VerificationMetadata struct {
	Usage     decimal.Decimal  `json:"usage"`
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
	Extra     map[string]any   `json:"extra,omitempty"`
}
