package option

import (
	"strings"

	"github.com/smallbiznis/unprice/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm query before execution.
type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type optionFunc func(*gorm.DB) *gorm.DB

func (f optionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination: one extra row is fetched so the
// caller can detect whether more pages exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 10
		}
		if token := strings.TrimSpace(p.PageToken); token != "" {
			if cursor, err := pagination.DecodeCursor(token); err == nil && cursor.ID != "" {
				db = db.Where("id < ?", cursor.ID)
			}
		}
		return db.Limit(size + 1)
	})
}

// QuerySortBy restricts sorting to an allow-listed column set.
type QuerySortBy struct {
	Allow map[string]bool
	Field string
	Desc  bool
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		field := strings.TrimSpace(sort.Field)
		if field == "" || !sort.Allow[field] {
			field = "id"
		}
		if sort.Desc {
			return db.Order(field + " DESC")
		}
		return db.Order(field)
	})
}

// WithLimit bounds the result set.
func WithLimit(limit int) QueryOption {
	return optionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
