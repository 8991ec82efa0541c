package domain

import (
	"context"

	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByCustomerID(ctx context.Context, db *gorm.DB, projectID, customerID string) (*Customer, error)
	List(ctx context.Context, db *gorm.DB, projectID string, filter ListCustomerFilter, page pagination.Pagination) ([]*Customer, error)
	SetDisabled(ctx context.Context, db *gorm.DB, projectID, customerID string, disabled bool) error
}
