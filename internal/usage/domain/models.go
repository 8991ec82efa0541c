// Package domain describes the settled-usage read API: cursor-paginated
// access to the records and verifications the actors flushed to analytics.
package domain

import (
	"errors"
	"time"

	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
)

type ListRecordsRequest struct {
	ProjectID   string
	CustomerID  string
	FeatureSlug string
	From        *time.Time
	To          *time.Time
	PageToken   string
	PageSize    int32
}

type ListRecordsFilter struct {
	CustomerID  string
	FeatureSlug string
	From        *time.Time
	To          *time.Time
}

type ListRecordsResponse struct {
	pagination.PageInfo
	Records []analyticsdomain.FeatureUsageRecord `json:"records"`
}

type ListVerificationsRequest struct {
	ProjectID   string
	CustomerID  string
	FeatureSlug string
	Allowed     *bool
	From        *time.Time
	To          *time.Time
	PageToken   string
	PageSize    int32
}

type ListVerificationsFilter struct {
	CustomerID  string
	FeatureSlug string
	Allowed     *bool
	From        *time.Time
	To          *time.Time
}

type ListVerificationsResponse struct {
	pagination.PageInfo
	Verifications []analyticsdomain.FeatureVerification `json:"verifications"`
}

var (
	ErrInvalidProject = errors.New("invalid_project")
)
