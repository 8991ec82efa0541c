package service

import (
	"context"
	"strings"

	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/usage/domain"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPageSize = 50

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:   p.DB,
		log:  p.Log.Named("usage.service"),
		repo: p.Repo,
	}
}

func (s *Service) ListRecords(ctx context.Context, req domain.ListRecordsRequest) (domain.ListRecordsResponse, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return domain.ListRecordsResponse{}, domain.ErrInvalidProject
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	items, err := s.repo.ListRecords(ctx, s.db, projectID, domain.ListRecordsFilter{
		CustomerID:  strings.TrimSpace(req.CustomerID),
		FeatureSlug: strings.TrimSpace(req.FeatureSlug),
		From:        req.From,
		To:          req.To,
	}, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListRecordsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(record *analyticsdomain.FeatureUsageRecord) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: record.ID})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	records := make([]analyticsdomain.FeatureUsageRecord, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		records = append(records, *item)
	}

	resp := domain.ListRecordsResponse{Records: records}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) ListVerifications(ctx context.Context, req domain.ListVerificationsRequest) (domain.ListVerificationsResponse, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return domain.ListVerificationsResponse{}, domain.ErrInvalidProject
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	items, err := s.repo.ListVerifications(ctx, s.db, projectID, domain.ListVerificationsFilter{
		CustomerID:  strings.TrimSpace(req.CustomerID),
		FeatureSlug: strings.TrimSpace(req.FeatureSlug),
		Allowed:     req.Allowed,
		From:        req.From,
		To:          req.To,
	}, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListVerificationsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(verification *analyticsdomain.FeatureVerification) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: verification.ID})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	verifications := make([]analyticsdomain.FeatureVerification, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		verifications = append(verifications, *item)
	}

	resp := domain.ListVerificationsResponse{Verifications: verifications}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}
