package repository

import (
	"context"

	"github.com/smallbiznis/unprice/internal/customer/domain"
	"github.com/smallbiznis/unprice/pkg/db/option"
	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "customer_id"}},
			DoNothing: true,
		}).
		Create(customer)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *repo) FindByCustomerID(ctx context.Context, db *gorm.DB, projectID, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).
		Where("project_id = ? AND customer_id = ?", projectID, customerID).
		Take(&customer).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, projectID string, filter domain.ListCustomerFilter, page pagination.Pagination) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("project_id = ?", projectID)
	if filter.Name != "" {
		stmt = stmt.Where("name = ?", filter.Name)
	}
	if filter.Email != "" {
		stmt = stmt.Where("email = ?", filter.Email)
	}
	if filter.Currency != "" {
		stmt = stmt.Where("currency = ?", filter.Currency)
	}
	if filter.CreatedFrom != nil {
		stmt = stmt.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		stmt = stmt.Where("created_at <= ?", *filter.CreatedTo)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	err := stmt.
		Order("id desc").
		Find(&customers).Error
	if err != nil {
		return nil, err
	}
	return customers, nil
}

func (r *repo) SetDisabled(ctx context.Context, db *gorm.DB, projectID, customerID string, disabled bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("project_id = ? AND customer_id = ?", projectID, customerID).
		Update("disabled", disabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
