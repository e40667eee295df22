package option

import (
	"strings"

	"github.com/telcobss/meterbill/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

func WithOffset(offset int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if offset <= 0 {
			return db
		}
		return db.Offset(offset)
	})
}

// Where applies an extra raw condition on top of the struct filter.
func Where(query string, args ...any) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	})
}

// ApplyPagination applies page offset and size limits.
func ApplyPagination(p pagination.Params) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if p.Size > 0 {
			db = db.Limit(p.Size).Offset(p.Offset())
		}
		return db
	})
}

// QuerySortBy applies parsed sort orders with a fallback default clause.
type QuerySortBy struct {
	Orders  []pagination.Order
	Default string
}

func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		clauseBody := pagination.Params{Sort: sort.Orders}.OrderClause()
		if clauseBody == "" {
			clauseBody = strings.TrimSpace(sort.Default)
		}
		if clauseBody == "" {
			return db
		}
		return db.Order(clauseBody)
	})
}

// WithForUpdate takes a row lock. SQLite has no FOR UPDATE support.
func WithForUpdate() QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if db.Dialector != nil && strings.EqualFold(db.Dialector.Name(), "sqlite") {
			return db
		}
		return db.Clauses(clause.Locking{Strength: "UPDATE"})
	})
}
