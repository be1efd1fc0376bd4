package db

import (
	"context"

	"gorm.io/gorm"
)

// Conn binds ctx to conn for one repository call. A handle that already
// carries a deadline, such as a transaction opened by TransactValue with
// its per-attempt OpTimeout, is returned unchanged so statements stay
// bound to that deadline.
func Conn(ctx context.Context, conn *gorm.DB) *gorm.DB {
	if conn.Statement != nil && conn.Statement.Context != nil {
		if _, ok := conn.Statement.Context.Deadline(); ok {
			return conn
		}
	}
	return conn.WithContext(ctx)
}
