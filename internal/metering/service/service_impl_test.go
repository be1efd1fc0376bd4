package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/tokenledger/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/tokenledger/internal/ledger/service"
	meteringdomain "github.com/smallbiznis/tokenledger/internal/metering/domain"
	"github.com/smallbiznis/tokenledger/internal/metering/repository"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/tokenledger/internal/pricing/service"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"github.com/smallbiznis/tokenledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	svc    meteringdomain.Service
	ledger ledgerdomain.Service
	db     *gorm.DB
}

type flakyRepo struct {
	mock.Mock
	meteringdomain.Repository
}

func (r *flakyRepo) Insert(ctx context.Context, conn *gorm.DB, record *meteringdomain.UsageRecord) error {
	if err := r.Called(record.Model).Error(0); err != nil {
		return err
	}
	return r.Repository.Insert(ctx, conn, record)
}

type mockLedger struct {
	mock.Mock
	ledgerdomain.Service
}

func (m *mockLedger) PostDebit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, entry ledgerdomain.Entry) (*ledgerdomain.Transaction, error) {
	args := m.Called(accountID, amount)
	txn, _ := args.Get(0).(*ledgerdomain.Transaction)
	return txn, args.Error(1)
}

func testConfig(grant int64) config.Config {
	return config.Config{Ledger: config.LedgerConfig{
		InitialGrant:     grant,
		DefaultListLimit: 50,
		MaxListLimit:     500,
	}}
}

func testRetry() db.RetryPolicy {
	return db.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, OpTimeout: 5 * time.Second}
}

func newEngine(t *testing.T) pricingdomain.Engine {
	t.Helper()
	holder, err := config.NewStaticPricingConfigHolder(config.PricingConfig{
		DefaultMargin:          0.45,
		DefaultContextEstimate: 50_000,
		Models: []config.ModelPricing{
			{Model: "m", Tiers: []config.TierConfig{{InputPerMillion: 2, OutputPerMillion: 12}}},
		},
	})
	require.NoError(t, err)
	return pricingservice.NewService(pricingservice.Params{Config: holder, Log: zap.NewNop()})
}

func setup(t *testing.T, grant int64, repo meteringdomain.Repository, ledger ledgerdomain.Service) fixture {
	t.Helper()

	conn := dbtest.Open(t, &ledgerdomain.Account{}, &ledgerdomain.Transaction{}, &meteringdomain.UsageRecord{})
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	realLedger := ledgerservice.NewService(ledgerservice.Params{
		DB:     conn,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Repo:   ledgerrepository.Provide(),
		Config: testConfig(grant),
		Retry:  testRetry(),
	})
	if ledger == nil {
		ledger = realLedger
	}
	if repo == nil {
		repo = repository.Provide()
	}

	svc := NewService(Params{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Repo:    repo,
		Ledger:  ledger,
		Pricing: newEngine(t),
		Config:  testConfig(grant),
		Retry:   testRetry(),
	})
	return fixture{svc: svc, ledger: realLedger, db: conn}
}

func (f fixture) open(t *testing.T) *ledgerdomain.Account {
	t.Helper()
	resp, err := f.ledger.OpenAccount(context.Background(), ledgerdomain.OpenAccountRequest{ExternalRef: "user-1"})
	require.NoError(t, err)
	return resp.Account
}

func (f fixture) count(t *testing.T, model any, accountID snowflake.ID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Where("account_id = ?", accountID).Count(&n).Error)
	return n
}

func scenarioRequest(accountID snowflake.ID) meteringdomain.MeterUsageRequest {
	margin := 0.45
	estimate := int64(50_000)
	return meteringdomain.MeterUsageRequest{
		AccountID:       accountID.String(),
		Model:           "m",
		InputTokens:     100_000,
		OutputTokens:    5_000,
		Margin:          &margin,
		ContextEstimate: &estimate,
		TraceID:         "trace-abc",
	}
}

func TestMeterUsageRejectsWhenBalanceTooLow(t *testing.T) {
	f := setup(t, 1000, nil, nil)
	account := f.open(t)

	_, err := f.svc.MeterUsage(context.Background(), scenarioRequest(account.ID))
	assert.ErrorIs(t, err, ledgerdomain.ErrInsufficientBalance)

	balance, err := f.ledger.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)
	assert.Equal(t, int64(0), f.count(t, &meteringdomain.UsageRecord{}, account.ID))
	assert.Equal(t, int64(1), f.count(t, &ledgerdomain.Transaction{}, account.ID))
}

func TestMeterUsageDebitsAndRecordsUsage(t *testing.T) {
	f := setup(t, 50_000, nil, nil)
	account := f.open(t)

	result, err := f.svc.MeterUsage(context.Background(), scenarioRequest(account.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(25_616), result.DebitedTokens)
	assert.Equal(t, int64(50_000-25_616), result.NewBalance)
	assert.Equal(t, "0.26", result.RawCost.String())

	var records []meteringdomain.UsageRecord
	require.NoError(t, f.db.Where("account_id = ?", account.ID).Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, result.UsageRecordID, records[0].ID)
	assert.Equal(t, result.TransactionID, records[0].TransactionID)
	assert.Equal(t, int64(25_616), records[0].DebitedTokens)
	require.NotNil(t, records[0].TraceID)
	assert.Equal(t, "trace-abc", *records[0].TraceID)

	var txn ledgerdomain.Transaction
	require.NoError(t, f.db.Where("id = ?", result.TransactionID).Take(&txn).Error)
	assert.Equal(t, ledgerdomain.KindUsageDebit, txn.Kind)
	assert.Equal(t, int64(-25_616), txn.Amount)

	md, err := txn.DecodedMetadata()
	require.NoError(t, err)
	usage := md.(*ledgerdomain.UsageMetadata)
	assert.Equal(t, result.UsageRecordID.String(), usage.UsageRecordID)
	assert.Equal(t, "0.45", usage.Margin)

	rec, err := f.ledger.VerifyAccount(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.True(t, rec.Consistent)
}

func TestMeterUsageAppliesDefaults(t *testing.T) {
	f := setup(t, 50_000, nil, nil)
	account := f.open(t)

	req := scenarioRequest(account.ID)
	req.Margin = nil
	req.ContextEstimate = nil
	result, err := f.svc.MeterUsage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(25_616), result.DebitedTokens)
}

func TestMeterUsageValidationNeverTouchesLedger(t *testing.T) {
	ledger := &mockLedger{}
	f := setup(t, 1000, nil, ledger)
	id := snowflake.ID(12345)

	negative := -0.5
	cases := []struct {
		name string
		req  meteringdomain.MeterUsageRequest
		want error
	}{
		{"unknown model", meteringdomain.MeterUsageRequest{AccountID: id.String(), Model: "nope", InputTokens: 1}, pricingdomain.ErrUnknownModel},
		{"negative input", meteringdomain.MeterUsageRequest{AccountID: id.String(), Model: "m", InputTokens: -1, OutputTokens: 5}, pricingdomain.ErrInvalidUsage},
		{"zero usage", meteringdomain.MeterUsageRequest{AccountID: id.String(), Model: "m"}, pricingdomain.ErrInvalidUsage},
		{"negative margin", meteringdomain.MeterUsageRequest{AccountID: id.String(), Model: "m", InputTokens: 10, Margin: &negative}, pricingdomain.ErrInvalidMargin},
		{"bad account", meteringdomain.MeterUsageRequest{AccountID: "abc", Model: "m", InputTokens: 10}, ledgerdomain.ErrAccountNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.MeterUsage(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	ledger.AssertNotCalled(t, "PostDebit", mock.Anything, mock.Anything)
}

func TestMeterUsageRollsBackDebitWhenRecordFails(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide()}
	repo.On("Insert", "m").Return(errors.New("disk full"))
	f := setup(t, 50_000, repo, nil)
	account := f.open(t)

	_, err := f.svc.MeterUsage(context.Background(), scenarioRequest(account.ID))
	assert.EqualError(t, err, "disk full")

	balance, err := f.ledger.GetBalance(context.Background(), account.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(50_000), balance)
	assert.Equal(t, int64(1), f.count(t, &ledgerdomain.Transaction{}, account.ID))
}

func TestMeterUsageRetriesWholeUnitOnConflict(t *testing.T) {
	repo := &flakyRepo{Repository: repository.Provide()}
	repo.On("Insert", "m").Return(db.ErrStoreConflict).Once()
	repo.On("Insert", "m").Return(nil)
	f := setup(t, 50_000, repo, nil)
	account := f.open(t)

	result, err := f.svc.MeterUsage(context.Background(), scenarioRequest(account.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(24_384), result.NewBalance)
	repo.AssertNumberOfCalls(t, "Insert", 2)

	assert.Equal(t, int64(2), f.count(t, &ledgerdomain.Transaction{}, account.ID))
	assert.Equal(t, int64(1), f.count(t, &meteringdomain.UsageRecord{}, account.ID))
}

func TestListUsageNewestFirst(t *testing.T) {
	f := setup(t, 100_000, nil, nil)
	account := f.open(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.MeterUsage(context.Background(), meteringdomain.MeterUsageRequest{
			AccountID: account.ID.String(), Model: "m", InputTokens: int64(1000 * (i + 1)),
		})
		require.NoError(t, err)
	}

	resp, err := f.svc.ListUsage(context.Background(), meteringdomain.ListUsageRequest{AccountID: account.ID.String(), Limit: 2})
	require.NoError(t, err)
	require.Len(t, resp.Records, 2)
	assert.True(t, resp.PageInfo.HasMore)
	assert.Equal(t, int64(3000), resp.Records[0].InputTokens)

	_, err = f.svc.ListUsage(context.Background(), meteringdomain.ListUsageRequest{AccountID: "987"})
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
}
