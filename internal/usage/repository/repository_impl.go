package repository

import (
	"context"

	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/usage/domain"
	"github.com/smallbiznis/unprice/pkg/db/option"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ListRecords(ctx context.Context, db *gorm.DB, projectID string, filter domain.ListRecordsFilter, page pagination.Pagination) ([]*analyticsdomain.FeatureUsageRecord, error) {
	var records []*analyticsdomain.FeatureUsageRecord
	stmt := db.WithContext(ctx).
		Model(&analyticsdomain.FeatureUsageRecord{}).
		Where("project_id = ? AND deleted = ?", projectID, false)
	if filter.CustomerID != "" {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.FeatureSlug != "" {
		stmt = stmt.Where("feature_slug = ?", filter.FeatureSlug)
	}
	if filter.From != nil {
		stmt = stmt.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		stmt = stmt.Where("timestamp <= ?", *filter.To)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	// Record ids are ULIDs, so id order is event order.
	if err := stmt.Order("id desc").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) ListVerifications(ctx context.Context, db *gorm.DB, projectID string, filter domain.ListVerificationsFilter, page pagination.Pagination) ([]*analyticsdomain.FeatureVerification, error) {
	var verifications []*analyticsdomain.FeatureVerification
	stmt := db.WithContext(ctx).
		Model(&analyticsdomain.FeatureVerification{}).
		Where("project_id = ?", projectID)
	if filter.CustomerID != "" {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.FeatureSlug != "" {
		stmt = stmt.Where("feature_slug = ?", filter.FeatureSlug)
	}
	if filter.Allowed != nil {
		stmt = stmt.Where("allowed = ?", *filter.Allowed)
	}
	if filter.From != nil {
		stmt = stmt.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		stmt = stmt.Where("timestamp <= ?", *filter.To)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("id desc").Find(&verifications).Error; err != nil {
		return nil, err
	}
	return verifications, nil
}
