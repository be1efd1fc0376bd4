package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	"github.com/smallbiznis/tokenledger/internal/ledger/repository"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"github.com/smallbiznis/tokenledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc   ledgerdomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func setup(t *testing.T, initialGrant int64) fixture {
	t.Helper()

	conn := dbtest.Open(t, &ledgerdomain.Account{}, &ledgerdomain.Transaction{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
		Repo:  repository.Provide(),
		Config: config.Config{Ledger: config.LedgerConfig{
			InitialGrant:     initialGrant,
			DefaultListLimit: 50,
			MaxListLimit:     500,
		}},
		Retry: db.RetryPolicy{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			OpTimeout:       5 * time.Second,
		},
	})
	return fixture{svc: svc, db: conn, clock: fake}
}

func (f fixture) open(t *testing.T, ref string) *ledgerdomain.Account {
	t.Helper()
	resp, err := f.svc.OpenAccount(context.Background(), ledgerdomain.OpenAccountRequest{ExternalRef: ref})
	require.NoError(t, err)
	return resp.Account
}

func (f fixture) assertConsistent(t *testing.T, account *ledgerdomain.Account) {
	t.Helper()
	rec, err := f.svc.VerifyAccount(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, rec.Consistent, "balance %d != sum %d", rec.Balance, rec.TransactionSum)
}

func (f fixture) countTransactions(t *testing.T, accountID snowflake.ID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&ledgerdomain.Transaction{}).Where("account_id = ?", accountID).Count(&n).Error)
	return n
}

func usageEntry() ledgerdomain.Entry {
	return ledgerdomain.Entry{Metadata: ledgerdomain.UsageMetadata{Model: "m", InputTokens: 10, OutputTokens: 10}}
}

func topUpEntry(eventID string) ledgerdomain.Entry {
	return ledgerdomain.Entry{
		PaymentReference: "pi_" + eventID,
		SourceEventID:    eventID,
		Metadata:         ledgerdomain.PaymentMetadata{EventID: eventID, PaymentReference: "pi_" + eventID},
	}
}

func TestOpenAccountWritesInitialGrant(t *testing.T) {
	f := setup(t, 1000)

	resp, err := f.svc.OpenAccount(context.Background(), ledgerdomain.OpenAccountRequest{ExternalRef: "user-1"})
	require.NoError(t, err)
	assert.True(t, resp.Created)
	assert.Equal(t, int64(1000), resp.Account.Balance)
	require.NotNil(t, resp.Grant)
	assert.Equal(t, ledgerdomain.KindInitialGrant, resp.Grant.Kind)
	assert.Equal(t, int64(1000), resp.Grant.BalanceAfter)

	again, err := f.svc.OpenAccount(context.Background(), ledgerdomain.OpenAccountRequest{ExternalRef: "user-1"})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, resp.Account.ID, again.Account.ID)
	assert.Equal(t, int64(1), f.countTransactions(t, resp.Account.ID))
	f.assertConsistent(t, resp.Account)

	_, err = f.svc.OpenAccount(context.Background(), ledgerdomain.OpenAccountRequest{ExternalRef: "  "})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidExternalRef)
}

func TestGetBalanceUnknownAccount(t *testing.T) {
	f := setup(t, 0)

	_, err := f.svc.GetBalance(context.Background(), "12345")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
	_, err = f.svc.GetBalance(context.Background(), "not-an-id")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestApplyDebitAndCredit(t *testing.T) {
	f := setup(t, 1000)
	account := f.open(t, "user-1")

	txn, err := f.svc.ApplyDebit(context.Background(), account.ID.String(), 400, usageEntry())
	require.NoError(t, err)
	assert.Equal(t, int64(-400), txn.Amount)
	assert.Equal(t, int64(600), txn.BalanceAfter)
	assert.Equal(t, ledgerdomain.KindUsageDebit, txn.Kind)

	txn, err = f.svc.ApplyCredit(context.Background(), account.ID.String(), 250, topUpEntry("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(250), txn.Amount)
	assert.Equal(t, int64(850), txn.BalanceAfter)
	require.NotNil(t, txn.SourceEventID)
	assert.Equal(t, "evt-1", *txn.SourceEventID)

	md, err := txn.DecodedMetadata()
	require.NoError(t, err)
	payment, ok := md.(*ledgerdomain.PaymentMetadata)
	require.True(t, ok)
	assert.Equal(t, "pi_evt-1", payment.PaymentReference)

	balance, err := f.svc.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(850), balance)
	f.assertConsistent(t, account)
}

func TestApplyDebitInsufficientLeavesStateUnchanged(t *testing.T) {
	f := setup(t, 1000)
	account := f.open(t, "user-1")

	_, err := f.svc.ApplyDebit(context.Background(), account.ID.String(), 1001, usageEntry())
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	balance, err := f.svc.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
	assert.Equal(t, int64(1), f.countTransactions(t, account.ID))

	// draining to exactly zero is allowed
	txn, err := f.svc.ApplyDebit(context.Background(), account.ID.String(), 1000, usageEntry())
	require.NoError(t, err)
	assert.Equal(t, int64(0), txn.BalanceAfter)
	f.assertConsistent(t, account)
}

func TestApplyRejectsInvalidInput(t *testing.T) {
	f := setup(t, 1000)
	account := f.open(t, "user-1")
	id := account.ID.String()

	_, err := f.svc.ApplyCredit(context.Background(), id, 0, topUpEntry("evt-0"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
	_, err = f.svc.ApplyCredit(context.Background(), id, -5, topUpEntry("evt-0"))
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
	_, err = f.svc.ApplyDebit(context.Background(), id, 0, usageEntry())
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)

	// a usage debit cannot be booked as a credit
	_, err = f.svc.ApplyCredit(context.Background(), id, 10, usageEntry())
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidMetadata)
	_, err = f.svc.ApplyDebit(context.Background(), id, 10, ledgerdomain.Entry{})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidMetadata)

	_, err = f.svc.ApplyDebit(context.Background(), "999", 10, usageEntry())
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
	_, err = f.svc.ApplyCredit(context.Background(), "999", 10, topUpEntry("evt-9"))
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)

	assert.Equal(t, int64(1), f.countTransactions(t, account.ID))
}

func TestDisabledAccountRejectsWrites(t *testing.T) {
	f := setup(t, 1000)
	account := f.open(t, "user-1")

	disabled, err := f.svc.DisableAccount(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.AccountStatusDisabled, disabled.Status)

	_, err = f.svc.ApplyDebit(context.Background(), account.ID.String(), 1, usageEntry())
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountDisabled)
	_, err = f.svc.ApplyCredit(context.Background(), account.ID.String(), 1, topUpEntry("evt-1"))
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountDisabled)

	balance, err := f.svc.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	_, err = f.svc.DisableAccount(context.Background(), "424242")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestAdjust(t *testing.T) {
	f := setup(t, 100)
	account := f.open(t, "user-1")

	txn, err := f.svc.Adjust(context.Background(), ledgerdomain.AdjustRequest{
		AccountID: account.ID.String(), Amount: 50, Reason: "goodwill", Actor: "ops",
	})
	require.NoError(t, err)
	assert.Equal(t, ledgerdomain.KindManualAdjustment, txn.Kind)
	assert.Equal(t, int64(150), txn.BalanceAfter)

	txn, err = f.svc.Adjust(context.Background(), ledgerdomain.AdjustRequest{
		AccountID: account.ID.String(), Amount: -120, Reason: "chargeback",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-120), txn.Amount)
	assert.Equal(t, int64(30), txn.BalanceAfter)

	_, err = f.svc.Adjust(context.Background(), ledgerdomain.AdjustRequest{
		AccountID: account.ID.String(), Amount: -31, Reason: "too much",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	_, err = f.svc.Adjust(context.Background(), ledgerdomain.AdjustRequest{AccountID: account.ID.String(), Amount: 0, Reason: "noop"})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidAmount)
	_, err = f.svc.Adjust(context.Background(), ledgerdomain.AdjustRequest{AccountID: account.ID.String(), Amount: 5})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidMetadata)

	f.assertConsistent(t, account)
}

func TestListTransactionsNewestFirstWithPaging(t *testing.T) {
	f := setup(t, 1000)
	account := f.open(t, "user-1")
	for i := 0; i < 4; i++ {
		f.clock.Advance(time.Second)
		_, err := f.svc.ApplyDebit(context.Background(), account.ID.String(), 10, usageEntry())
		require.NoError(t, err)
	}

	first, err := f.svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{
		AccountID: account.ID.String(), Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 3)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, int64(960), first.Transactions[0].BalanceAfter)
	for i := 1; i < len(first.Transactions); i++ {
		assert.Greater(t, int64(first.Transactions[i-1].ID), int64(first.Transactions[i].ID))
	}

	second, err := f.svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{
		AccountID: account.ID.String(), Limit: 3, PageToken: first.PageInfo.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 2)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, ledgerdomain.KindInitialGrant, second.Transactions[1].Kind)

	_, err = f.svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{
		AccountID: account.ID.String(), PageToken: "%%%",
	})
	assert.ErrorIs(t, err, ledgerdomain.ErrInvalidPageToken)

	_, err = f.svc.ListTransactions(context.Background(), ledgerdomain.ListTransactionsRequest{AccountID: "77"})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := setup(t, 2000)
	account := f.open(t, "user-1")

	const workers = 10
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ApplyDebit(context.Background(), account.ID.String(), 300, usageEntry())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ledgerdomain.ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
	assert.Equal(t, 4, insufficient)

	balance, err := f.svc.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2000-6*300), balance)
	assert.Equal(t, int64(1+succeeded), f.countTransactions(t, account.ID))
	f.assertConsistent(t, account)
}

func TestPostDebitRollsBackWithCallerTransaction(t *testing.T) {
	f := setup(t, 500)
	account := f.open(t, "user-1")
	boom := errors.New("usage record write failed")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.PostDebit(context.Background(), tx, account.ID, 200, usageEntry()); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := f.svc.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
	assert.Equal(t, int64(1), f.countTransactions(t, account.ID))
}

func TestCancelledContextLeavesNoPartialDebit(t *testing.T) {
	f := setup(t, 500)
	account := f.open(t, "user-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.ApplyDebit(ctx, account.ID.String(), 100, usageEntry())
	require.Error(t, err)

	balance, err := f.svc.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
	f.assertConsistent(t, account)
}
