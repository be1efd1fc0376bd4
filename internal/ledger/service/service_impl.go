package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       ledgerdomain.Repository
	Config     config.Config
	Retry      db.RetryPolicy
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       ledgerdomain.Repository
	retry      db.RetryPolicy
	obsMetrics *obsmetrics.Metrics

	initialGrant     int64
	defaultListLimit int
	maxListLimit     int
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("ledger.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		retry:            p.Retry,
		obsMetrics:       p.ObsMetrics,
		initialGrant:     p.Config.Ledger.InitialGrant,
		defaultListLimit: p.Config.Ledger.DefaultListLimit,
		maxListLimit:     p.Config.Ledger.MaxListLimit,
	}
}

func (s *Service) OpenAccount(ctx context.Context, req ledgerdomain.OpenAccountRequest) (*ledgerdomain.OpenAccountResponse, error) {
	ref := strings.TrimSpace(req.ExternalRef)
	if ref == "" || len(ref) > 191 {
		return nil, ledgerdomain.ErrInvalidExternalRef
	}

	if existing, err := s.repo.FindAccountByExternalRef(ctx, s.db, ref); err != nil {
		return nil, db.Classify(ctx, err)
	} else if existing != nil {
		return &ledgerdomain.OpenAccountResponse{Account: existing}, nil
	}

	resp, err := db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*ledgerdomain.OpenAccountResponse, error) {
		now := s.clock.Now()
		account := &ledgerdomain.Account{
			ID:          s.genID.Generate(),
			ExternalRef: ref,
			Status:      ledgerdomain.AccountStatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.InsertAccount(ctx, tx, account); err != nil {
			return nil, err
		}

		out := &ledgerdomain.OpenAccountResponse{Account: account, Created: true}
		if s.initialGrant > 0 {
			grant, err := s.PostCredit(ctx, tx, account.ID, s.initialGrant, ledgerdomain.Entry{
				Description: "Initial free grant",
				Metadata:    ledgerdomain.GrantMetadata{Reason: "signup"},
			})
			if err != nil {
				return nil, err
			}
			account.Balance = grant.BalanceAfter
			out.Grant = grant
		}
		return out, nil
	}, s.notifyRetry(ctx, "open_account"))
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// lost the race against a concurrent open for the same ref
			existing, findErr := s.repo.FindAccountByExternalRef(ctx, s.db, ref)
			if findErr == nil && existing != nil {
				return &ledgerdomain.OpenAccountResponse{Account: existing}, nil
			}
		}
		return nil, err
	}

	s.log.Info("account opened",
		zap.String("account_id", resp.Account.ID.String()),
		zap.Int64("initial_grant", resp.Account.Balance),
	)
	if resp.Grant != nil {
		s.obsMetrics.RecordCredit(ctx, string(ledgerdomain.KindInitialGrant), resp.Grant.Amount)
	}
	return resp, nil
}

func (s *Service) GetAccount(ctx context.Context, accountID string) (*ledgerdomain.Account, error) {
	id, err := ledgerdomain.ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	account, err := s.repo.FindAccount(ctx, s.db, id)
	if err != nil {
		return nil, db.Classify(ctx, err)
	}
	if account == nil {
		return nil, ledgerdomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	id, err := ledgerdomain.ParseAccountID(accountID)
	if err != nil {
		return 0, err
	}
	balance, err := s.repo.Balance(ctx, s.db, id)
	if err != nil {
		return 0, db.Classify(ctx, err)
	}
	return balance, nil
}

func (s *Service) BalanceTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int64, error) {
	return s.repo.Balance(ctx, tx, accountID)
}

func (s *Service) DisableAccount(ctx context.Context, accountID string) (*ledgerdomain.Account, error) {
	id, err := ledgerdomain.ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}

	account, err := db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*ledgerdomain.Account, error) {
		rows, err := s.repo.SetStatus(ctx, tx, id, ledgerdomain.AccountStatusDisabled, s.clock.Now())
		if err != nil {
			return nil, err
		}
		if rows == 0 {
			return nil, ledgerdomain.ErrAccountNotFound
		}
		return s.repo.FindAccount(ctx, tx, id)
	}, s.notifyRetry(ctx, "disable_account"))
	if err != nil {
		return nil, err
	}

	s.log.Info("account disabled", zap.String("account_id", id.String()))
	return account, nil
}

func (s *Service) ApplyDebit(ctx context.Context, accountID string, amount int64, entry ledgerdomain.Entry) (*ledgerdomain.Transaction, error) {
	id, err := ledgerdomain.ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*ledgerdomain.Transaction, error) {
		return s.PostDebit(ctx, tx, id, amount, entry)
	}, s.notifyRetry(ctx, "apply_debit"))
}

func (s *Service) ApplyCredit(ctx context.Context, accountID string, amount int64, entry ledgerdomain.Entry) (*ledgerdomain.Transaction, error) {
	id, err := ledgerdomain.ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*ledgerdomain.Transaction, error) {
		return s.PostCredit(ctx, tx, id, amount, entry)
	}, s.notifyRetry(ctx, "apply_credit"))
}

// PostDebit removes amount from the balance and appends the matching
// negative transaction on tx. The guarded update keeps the balance from
// going negative under concurrent debits.
func (s *Service) PostDebit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, entry ledgerdomain.Entry) (*ledgerdomain.Transaction, error) {
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if err := validateEntry(entry, false); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rows, err := s.repo.DebitBalance(ctx, tx, accountID, amount, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, s.explainRejectedWrite(ctx, tx, accountID, ledgerdomain.ErrInsufficientBalance)
	}
	return s.appendTransaction(ctx, tx, accountID, -amount, entry, now)
}

// PostCredit adds amount to the balance and appends the matching positive
// transaction on tx.
func (s *Service) PostCredit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, entry ledgerdomain.Entry) (*ledgerdomain.Transaction, error) {
	if amount <= 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	if err := validateEntry(entry, true); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rows, err := s.repo.CreditBalance(ctx, tx, accountID, amount, now)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, s.explainRejectedWrite(ctx, tx, accountID, nil)
	}
	return s.appendTransaction(ctx, tx, accountID, amount, entry, now)
}

func (s *Service) appendTransaction(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, signed int64, entry ledgerdomain.Entry, now time.Time) (*ledgerdomain.Transaction, error) {
	balance, err := s.repo.Balance(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	metadata, err := ledgerdomain.EncodeMetadata(entry.Metadata)
	if err != nil {
		return nil, err
	}

	txn := &ledgerdomain.Transaction{
		ID:               s.genID.Generate(),
		AccountID:        accountID,
		Kind:             entry.Metadata.Kind(),
		Amount:           signed,
		BalanceAfter:     balance,
		Description:      optionalString(entry.Description),
		PaymentReference: optionalString(entry.PaymentReference),
		SourceEventID:    optionalString(entry.SourceEventID),
		Metadata:         metadata,
		CreatedAt:        now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// explainRejectedWrite finds out why a guarded update touched no row.
func (s *Service) explainRejectedWrite(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, fallback error) error {
	account, err := s.repo.FindAccount(ctx, tx, accountID)
	if err != nil {
		return err
	}
	switch {
	case account == nil:
		return ledgerdomain.ErrAccountNotFound
	case !account.Active():
		return ledgerdomain.ErrAccountDisabled
	case fallback != nil:
		return fallback
	default:
		return ledgerdomain.ErrStoreConflict
	}
}

func validateEntry(entry ledgerdomain.Entry, credit bool) error {
	if entry.Metadata == nil {
		return ledgerdomain.ErrInvalidMetadata
	}
	switch entry.Metadata.Kind() {
	case ledgerdomain.KindManualAdjustment:
		return nil
	case ledgerdomain.KindInitialGrant, ledgerdomain.KindPurchaseTopUp:
		if credit {
			return nil
		}
	case ledgerdomain.KindUsageDebit:
		if !credit {
			return nil
		}
	}
	return ledgerdomain.ErrInvalidMetadata
}

func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (*ledgerdomain.Transaction, error) {
	id, err := ledgerdomain.ParseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, ledgerdomain.ErrInvalidAmount
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, ledgerdomain.ErrInvalidMetadata
	}

	entry := ledgerdomain.Entry{
		Description: reason,
		Metadata:    ledgerdomain.AdjustmentMetadata{Reason: reason, Actor: strings.TrimSpace(req.Actor)},
	}
	txn, err := db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*ledgerdomain.Transaction, error) {
		if req.Amount > 0 {
			return s.PostCredit(ctx, tx, id, req.Amount, entry)
		}
		return s.PostDebit(ctx, tx, id, -req.Amount, entry)
	}, s.notifyRetry(ctx, "adjust"))
	if err != nil {
		return nil, err
	}

	s.log.Info("manual adjustment posted",
		zap.String("account_id", id.String()),
		zap.Int64("amount", txn.Amount),
		zap.String("actor", req.Actor),
	)
	return txn, nil
}

func (s *Service) ListTransactions(ctx context.Context, req ledgerdomain.ListTransactionsRequest) (*ledgerdomain.ListTransactionsResponse, error) {
	id, err := ledgerdomain.ParseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	before, err := pagination.DecodeIDCursor(req.PageToken)
	if err != nil {
		return nil, err
	}
	limit := pagination.ClampLimit(req.Limit, s.defaultListLimit, s.maxListLimit)

	account, err := s.repo.FindAccount(ctx, s.db, id)
	if err != nil {
		return nil, db.Classify(ctx, err)
	}
	if account == nil {
		return nil, ledgerdomain.ErrAccountNotFound
	}

	items, err := s.repo.ListTransactions(ctx, s.db, id, before, limit+1)
	if err != nil {
		return nil, db.Classify(ctx, err)
	}
	page, info := pagination.BuildCursorPageInfo(items, limit, func(t ledgerdomain.Transaction) string {
		return t.ID.String()
	})
	if page == nil {
		page = []ledgerdomain.Transaction{}
	}
	return &ledgerdomain.ListTransactionsResponse{Transactions: page, PageInfo: info}, nil
}

func (s *Service) VerifyAccount(ctx context.Context, accountID string) (*ledgerdomain.Reconciliation, error) {
	id, err := ledgerdomain.ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}

	rec, err := db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*ledgerdomain.Reconciliation, error) {
		balance, err := s.repo.Balance(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		sum, count, err := s.repo.SumTransactions(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		return &ledgerdomain.Reconciliation{
			AccountID:        id,
			Balance:          balance,
			TransactionSum:   sum,
			TransactionCount: count,
			Consistent:       balance == sum,
		}, nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if !rec.Consistent {
		s.log.Error("ledger drift detected",
			zap.String("account_id", id.String()),
			zap.Int64("balance", rec.Balance),
			zap.Int64("transaction_sum", rec.TransactionSum),
		)
	}
	return rec, nil
}

func (s *Service) notifyRetry(ctx context.Context, operation string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		reason := "unknown"
		switch {
		case errors.Is(err, db.ErrStoreConflict):
			reason = db.ErrStoreConflict.Error()
		case errors.Is(err, db.ErrStoreTimeout):
			reason = db.ErrStoreTimeout.Error()
		}
		s.log.Warn("retrying ledger operation",
			zap.String("operation", operation),
			zap.String("reason", reason),
			zap.Duration("wait", wait),
		)
		s.obsMetrics.RecordStoreRetry(ctx, operation, reason)
	}
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
