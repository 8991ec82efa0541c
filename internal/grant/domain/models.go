package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"gorm.io/gorm"
)

// SubjectKind is the layer a grant is issued against.
type SubjectKind string

const (
	SubjectCustomer    SubjectKind = "customer"
	SubjectProject     SubjectKind = "project"
	SubjectPlan        SubjectKind = "plan"
	SubjectPlanVersion SubjectKind = "plan_version"
)

// GrantType orders grants: higher priority wins ties during merging.
type GrantType string

const (
	GrantSubscription GrantType = "subscription"
	GrantAddon        GrantType = "addon"
	GrantTrial        GrantType = "trial"
	GrantPromotion    GrantType = "promotion"
	GrantManual       GrantType = "manual"
)

// Priority derives the merge priority from the grant type.
func (t GrantType) Priority() int {
	switch t {
	case GrantSubscription:
		return 10
	case GrantAddon:
		return 20
	case GrantTrial:
		return 60
	case GrantPromotion:
		return 70
	case GrantManual:
		return 80
	default:
		return 0
	}
}

// FeaturePlanVersion is the per-grant feature configuration snapshot.
type FeaturePlanVersion struct {
	ID                string                               `json:"id"`
	FeatureSlug       string                               `json:"feature_slug"`
	FeatureType       entitlementdomain.FeatureType        `json:"feature_type"`
	AggregationMethod entitlementdomain.AggregationMethod  `json:"aggregation_method"`
	UsageMode         entitlementdomain.UsageMode          `json:"usage_mode"`
	Billing           entitlementdomain.BillingConfig      `json:"billing_config"`
	Reset             *entitlementdomain.ResetConfig       `json:"reset_config,omitempty"`
	Metadata          entitlementdomain.FeatureMetadata    `json:"metadata"`
	Config            entitlementdomain.PricingConfig      `json:"config"`
}

// Grant is one unit of entitlement issued to a subject. Rows are append-only;
// deletion is a soft flag.
type Grant struct {
	ID                   snowflake.ID       `json:"id" gorm:"primaryKey"`
	ProjectID            string             `json:"project_id" gorm:"type:text;not null;uniqueIndex:ux_grants_conflict,priority:1"`
	SubjectKind          SubjectKind        `json:"subject_kind" gorm:"type:text;not null;uniqueIndex:ux_grants_conflict,priority:2"`
	SubjectID            string             `json:"subject_id" gorm:"type:text;not null;uniqueIndex:ux_grants_conflict,priority:3"`
	Type                 GrantType          `json:"type" gorm:"type:text;not null;uniqueIndex:ux_grants_conflict,priority:4"`
	FeaturePlanVersionID string             `json:"feature_plan_version_id" gorm:"type:text;not null;uniqueIndex:ux_grants_conflict,priority:7"`
	PlanVersion          FeaturePlanVersion `json:"plan_version" gorm:"serializer:json"`
	Name                 string             `json:"name" gorm:"type:text;not null"`
	Limit                *decimal.Decimal   `json:"limit,omitempty" gorm:"type:numeric"`
	Anchor               time.Time          `json:"anchor" gorm:"not null"`
	EffectiveAt          time.Time          `json:"effective_at" gorm:"not null;uniqueIndex:ux_grants_conflict,priority:5"`
	ExpiresAt            *time.Time         `json:"expires_at,omitempty" gorm:"uniqueIndex:ux_grants_conflict,priority:6"`
	AutoRenew            bool               `json:"auto_renew" gorm:"not null;default:false"`
	Deleted              bool               `json:"deleted" gorm:"not null;default:false"`
	DeletedAt            *time.Time         `json:"deleted_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time          `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "grants" }

// Priority resolves the grant's merge priority.
func (g Grant) Priority() int { return g.Type.Priority() }

// ActiveAt reports whether the grant is live at the given instant.
func (g Grant) ActiveAt(now time.Time) bool {
	if g.Deleted {
		return false
	}
	if now.Before(g.EffectiveAt) {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// Renewable reports whether the resolver may roll this grant into the next
// cycle once it lapses. Subscription and trial grants renew through plan
// lifecycle events instead.
func (g Grant) Renewable() bool {
	return g.AutoRenew && g.Type != GrantSubscription && g.Type != GrantTrial
}

// Subject identifies one layer to load grants for.
type Subject struct {
	Kind SubjectKind
	ID   string
}

// Repository is the persistent grant store consumed by the resolver.
type Repository interface {
	ListActiveForSubjects(ctx context.Context, db *gorm.DB, projectID string, subjects []Subject, from time.Time, to *time.Time) ([]Grant, error)
	Insert(ctx context.Context, db *gorm.DB, grant *Grant) error
	SoftDelete(ctx context.Context, db *gorm.DB, projectID string, subjectKind SubjectKind, subjectID string, ids []snowflake.ID) error
}

var (
	ErrInvalidProject = errors.New("invalid_project")
	ErrInvalidSubject = errors.New("invalid_subject")
	ErrInvalidGrant   = errors.New("invalid_grant")
)
