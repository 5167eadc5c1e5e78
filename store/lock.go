package store

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ForUpdate applies a SELECT ... FOR UPDATE row lock to the query.
// SQLite has no FOR UPDATE syntax and serializes writers at the
// database level, so the clause is omitted there.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
