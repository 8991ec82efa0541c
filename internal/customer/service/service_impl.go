package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Repo     domain.Repository
	Usage    entitlementdomain.UsageReader
	Resetter domain.EntitlementResetter `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clk      clock.Clock
	genID    *snowflake.Node
	repo     domain.Repository
	usage    entitlementdomain.UsageReader
	resetter domain.EntitlementResetter
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("customer.service"),
		clk:      p.Clock,
		genID:    p.GenID,
		repo:     p.Repo,
		usage:    p.Usage,
		resetter: p.Resetter,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return domain.Customer{}, domain.ErrInvalidProject
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.Customer{}, domain.ErrInvalidCustomerID
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Customer{}, domain.ErrInvalidName
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.Customer{}, domain.ErrInvalidEmail
	}

	now := s.clk.Now()
	customer := domain.Customer{
		ID:         s.genID.Generate(),
		ProjectID:  projectID,
		CustomerID: customerID,
		Name:       name,
		Email:      email,
		Currency:   strings.TrimSpace(req.Currency),
		Metadata:   datatypes.JSONMap{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.Insert(ctx, s.db, &customer); err != nil {
		return domain.Customer{}, err
	}

	return customer, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return domain.ListCustomerResponse{}, domain.ErrInvalidProject
	}

	filter := domain.ListCustomerFilter{
		Name:        strings.TrimSpace(req.Name),
		Email:       strings.TrimSpace(req.Email),
		Currency:    strings.TrimSpace(req.Currency),
		CreatedFrom: req.CreatedFrom,
		CreatedTo:   req.CreatedTo,
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.repo.List(ctx, s.db, projectID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(customer *domain.Customer) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        customer.ID.String(),
			CreatedAt: customer.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		customers = append(customers, *item)
	}

	resp := domain.ListCustomerResponse{Customers: customers}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}

	return resp, nil
}

func (s *Service) GetByID(ctx context.Context, req domain.GetCustomerRequest) (domain.Customer, error) {
	projectID, customerID, err := subject(req)
	if err != nil {
		return domain.Customer{}, err
	}

	item, err := s.repo.FindByCustomerID(ctx, s.db, projectID, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}

	return *item, nil
}

func (s *Service) SetDisabled(ctx context.Context, req domain.GetCustomerRequest, disabled bool) error {
	projectID, customerID, err := subject(req)
	if err != nil {
		return err
	}
	if err := s.repo.SetDisabled(ctx, s.db, projectID, customerID, disabled); err != nil {
		return err
	}

	// The toggled gate invalidates the cached decision surface.
	if s.resetter != nil {
		if err := s.resetter.ResetEntitlements(ctx, projectID, customerID); err != nil {
			s.log.Warn("entitlement reset after gate change failed",
				zap.String("customer_id", customerID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) GetUsage(ctx context.Context, req domain.GetCustomerRequest) (*entitlementdomain.CurrentUsage, error) {
	projectID, customerID, err := subject(req)
	if err != nil {
		return nil, err
	}
	return s.usage.GetCurrentUsage(ctx, projectID, customerID)
}

func subject(req domain.GetCustomerRequest) (string, string, error) {
	projectID := strings.TrimSpace(req.ProjectID)
	if projectID == "" {
		return "", "", domain.ErrInvalidProject
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return "", "", domain.ErrInvalidCustomerID
	}
	return projectID, customerID, nil
}
