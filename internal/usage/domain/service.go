package domain

import (
	"context"

	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	ListRecords(ctx context.Context, db *gorm.DB, projectID string, filter ListRecordsFilter, page pagination.Pagination) ([]*analyticsdomain.FeatureUsageRecord, error)
	ListVerifications(ctx context.Context, db *gorm.DB, projectID string, filter ListVerificationsFilter, page pagination.Pagination) ([]*analyticsdomain.FeatureVerification, error)
}

type Service interface {
	ListRecords(ctx context.Context, req ListRecordsRequest) (ListRecordsResponse, error)
	ListVerifications(ctx context.Context, req ListVerificationsRequest) (ListVerificationsResponse, error)
}
