package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	pkgdb "github.com/smallbiznis/tokenledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *ledgerdomain.Account) error {
	return pkgdb.Conn(ctx, db).Create(account).Error
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := pkgdb.Conn(ctx, db).Where("id = ?", id).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) FindAccountByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := pkgdb.Conn(ctx, db).Where("external_ref = ?", strings.TrimSpace(externalRef)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status ledgerdomain.AccountStatus, now time.Time) (int64, error) {
	res := pkgdb.Conn(ctx, db).Exec(
		`UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) DebitBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (int64, error) {
	res := pkgdb.Conn(ctx, db).Exec(
		`UPDATE accounts SET balance = balance - ?, updated_at = ?
		 WHERE id = ? AND status = ? AND balance >= ?`,
		amount, now, id, string(ledgerdomain.AccountStatusActive), amount,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) CreditBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (int64, error) {
	res := pkgdb.Conn(ctx, db).Exec(
		`UPDATE accounts SET balance = balance + ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		amount, now, id, string(ledgerdomain.AccountStatusActive),
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Balance(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error) {
	var balances []int64
	err := pkgdb.Conn(ctx, db).Raw(`SELECT balance FROM accounts WHERE id = ?`, id).Scan(&balances).Error
	if err != nil {
		return 0, err
	}
	if len(balances) == 0 {
		return 0, ledgerdomain.ErrAccountNotFound
	}
	return balances[0], nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *ledgerdomain.Transaction) error {
	return pkgdb.Conn(ctx, db).Create(txn).Error
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeID *snowflake.ID, limit int) ([]ledgerdomain.Transaction, error) {
	query := pkgdb.Conn(ctx, db).Where("account_id = ?", accountID)
	if beforeID != nil {
		query = query.Where("id < ?", *beforeID)
	}

	var items []ledgerdomain.Transaction
	err := query.Order("id DESC").Limit(limit).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (int64, int64, error) {
	var row struct {
		Total int64
		Count int64
	}
	err := pkgdb.Conn(ctx, db).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS count
		 FROM ledger_transactions WHERE account_id = ?`,
		accountID,
	).Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Total, row.Count, nil
}
