package db

import "gorm.io/gorm"

// LockClause returns the row-lock suffix for raw SELECT statements.
// SQLite has a single writer and rejects FOR UPDATE, so the clause is
// empty there; the enclosing transaction still serializes mutations.
func LockClause(tx *gorm.DB) string {
	if tx == nil || tx.Dialector == nil {
		return ""
	}
	switch tx.Dialector.Name() {
	case "sqlite", "sqlite3":
		return ""
	default:
		return "FOR UPDATE"
	}
}
