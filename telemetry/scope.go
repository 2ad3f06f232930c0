package telemetry

import (
	"context"

	"gorm.io/gorm"
)

// RunInScope executes fn inside a dedicated transaction: one scope per
// inbound bus message, one per API request, never shared or nested. The
// transaction commits only when fn returns nil; any error (or panic, which
// gorm re-raises after rollback) rolls it back and is surfaced unchanged to
// the caller.
func RunInScope(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	return db.WithContext(ctx).Transaction(fn)
}
