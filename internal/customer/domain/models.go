package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Customer is one metered subject registered under a project. CustomerID is
// the tenant-supplied identifier carried on verify and report calls.
type Customer struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	ProjectID  string            `gorm:"not null;uniqueIndex:ux_customers_subject,priority:1" json:"project_id"`
	CustomerID string            `gorm:"not null;uniqueIndex:ux_customers_subject,priority:2" json:"customer_id"`
	Name       string            `gorm:"not null" json:"name"`
	Email      string            `gorm:"not null" json:"email"`
	Currency   string            `gorm:"column:currency" json:"currency,omitempty"`
	Disabled   bool              `gorm:"not null;default:false" json:"disabled"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}
