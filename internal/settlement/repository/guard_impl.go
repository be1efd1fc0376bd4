package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	pkgdb "github.com/smallbiznis/tokenledger/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type guard struct{}

func Provide() settlementdomain.Guard {
	return &guard{}
}

func (g *guard) Reserve(ctx context.Context, tx *gorm.DB, event *settlementdomain.ProcessedEvent) (bool, error) {
	res := pkgdb.Conn(ctx, tx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *guard) Confirm(ctx context.Context, tx *gorm.DB, eventID string, transactionID snowflake.ID, at time.Time) error {
	res := pkgdb.Conn(ctx, tx).
		Model(&settlementdomain.ProcessedEvent{}).
		Where("event_id = ? AND transaction_id IS NULL", eventID).
		Updates(map[string]any{
			"transaction_id": transactionID,
			"confirmed_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return settlementdomain.ErrEventNotReserved
	}
	return nil
}

func (g *guard) Find(ctx context.Context, db *gorm.DB, eventID string) (*settlementdomain.ProcessedEvent, error) {
	var event settlementdomain.ProcessedEvent
	err := pkgdb.Conn(ctx, db).Where("event_id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}
