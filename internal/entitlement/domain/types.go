package domain

import "errors"

// FeatureType classifies how a feature is priced and metered.
type FeatureType string

const (
	FeatureTypeFlat    FeatureType = "flat"
	FeatureTypeTier    FeatureType = "tier"
	FeatureTypePackage FeatureType = "package"
	FeatureTypeUsage   FeatureType = "usage"
)

// UsageMode refines usage-type features.
type UsageMode string

const (
	UsageModeTier    UsageMode = "tier"
	UsageModeUnit    UsageMode = "unit"
	UsageModePackage UsageMode = "package"
)

// AggregationMethod is the analytics aggregation applied to usage records.
type AggregationMethod string

const (
	AggregationNone             AggregationMethod = "none"
	AggregationSum              AggregationMethod = "sum"
	AggregationCount            AggregationMethod = "count"
	AggregationMax              AggregationMethod = "max"
	AggregationLastDuringPeriod AggregationMethod = "last_during_period"
	AggregationSumAll           AggregationMethod = "sum_all"
	AggregationCountAll         AggregationMethod = "count_all"
	AggregationMaxAll           AggregationMethod = "max_all"
)

// MergingPolicy decides how stacked grants combine into one entitlement.
type MergingPolicy string

const (
	MergeSum     MergingPolicy = "sum"
	MergeMax     MergingPolicy = "max"
	MergeMin     MergingPolicy = "min"
	MergeReplace MergingPolicy = "replace"
)

// OverageStrategy decides what happens when a meter crosses its limit.
type OverageStrategy string

const (
	OverageNone     OverageStrategy = "none"
	OverageLastCall OverageStrategy = "last-call"
	OverageAlways   OverageStrategy = "always"
)

// DenyReason is the stable machine-readable reason on a deny result.
type DenyReason string

const (
	DenyEntitlementNotFound DenyReason = "ENTITLEMENT_NOT_FOUND"
	DenyEntitlementError    DenyReason = "ENTITLEMENT_ERROR"
	DenyLimitExceeded       DenyReason = "LIMIT_EXCEEDED"
	DenyFeatureDisabled     DenyReason = "FEATURE_DISABLED"
	DenyNotActive           DenyReason = "NOT_ACTIVE"
	DenyExpired             DenyReason = "EXPIRED"
	DenyRevoked             DenyReason = "REVOKED"
)

// DefaultNotifyThreshold is the usage/limit ratio that flags overThreshold.
const DefaultNotifyThreshold = 0.95

var (
	ErrNoGrants        = errors.New("no_grants")
	ErrFeatureMismatch = errors.New("feature_mismatch")
	ErrNotFound        = errors.New("entitlement_not_found")
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrFetchFailed     = errors.New("fetch_failed")
	ErrDriftTooLarge   = errors.New("drift_too_large")
)
