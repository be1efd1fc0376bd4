package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeID *snowflake.ID, limit int) ([]UsageRecord, error)
}
