package domain

import (
	"context"
	"errors"
	"time"

	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
)

type ListCustomerRequest struct {
	ProjectID   string
	PageToken   string
	PageSize    int32
	Name        string
	Email       string
	Currency    string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerFilter struct {
	Name        string
	Email       string
	Currency    string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

type CreateCustomerRequest struct {
	ProjectID  string
	CustomerID string
	Name       string
	Email      string
	Currency   string
}

type GetCustomerRequest struct {
	ProjectID  string
	CustomerID string
}

// EntitlementResetter drops a customer's cached decision surface after the
// registry gate changed.
type EntitlementResetter interface {
	ResetEntitlements(ctx context.Context, projectID, customerID string) error
}

type Service interface {
	Create(context.Context, CreateCustomerRequest) (Customer, error)
	List(context.Context, ListCustomerRequest) (ListCustomerResponse, error)
	GetByID(context.Context, GetCustomerRequest) (Customer, error)
	SetDisabled(ctx context.Context, req GetCustomerRequest, disabled bool) error
	// GetUsage reads the live usage summary for a registered customer.
	GetUsage(ctx context.Context, req GetCustomerRequest) (*entitlementdomain.CurrentUsage, error)
}

var (
	ErrInvalidProject    = errors.New("invalid_project")
	ErrInvalidCustomerID = errors.New("invalid_customer_id")
	ErrInvalidName       = errors.New("invalid_name")
	ErrInvalidEmail      = errors.New("invalid_email")
	ErrAlreadyExists     = errors.New("customer_exists")
	ErrNotFound          = errors.New("not_found")
)
