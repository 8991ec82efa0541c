package service

import (
	"context"

	"github.com/smallbiznis/unprice/internal/customer/domain"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"gorm.io/gorm"
)

// Gate adapts the registry into the decision-path customer gate.
type Gate struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewGate(db *gorm.DB, repo domain.Repository) entitlementdomain.CustomerGate {
	return &Gate{db: db, repo: repo}
}

// IsDisabled reports the registry's disable flag. Customers that never
// registered are not gated.
func (g *Gate) IsDisabled(ctx context.Context, projectID, customerID string) (bool, error) {
	customer, err := g.repo.FindByCustomerID(ctx, g.db, projectID, customerID)
	if err != nil {
		return false, err
	}
	if customer == nil {
		return false, nil
	}
	return customer.Disabled, nil
}
