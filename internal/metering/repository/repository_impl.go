package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	meteringdomain "github.com/smallbiznis/tokenledger/internal/metering/domain"
	pkgdb "github.com/smallbiznis/tokenledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() meteringdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *meteringdomain.UsageRecord) error {
	return pkgdb.Conn(ctx, db).Create(record).Error
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeID *snowflake.ID, limit int) ([]meteringdomain.UsageRecord, error) {
	query := pkgdb.Conn(ctx, db).Where("account_id = ?", accountID)
	if beforeID != nil {
		query = query.Where("id < ?", *beforeID)
	}

	var items []meteringdomain.UsageRecord
	if err := query.Order("id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
