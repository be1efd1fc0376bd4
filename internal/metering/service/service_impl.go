package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	meteringdomain "github.com/smallbiznis/tokenledger/internal/metering/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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
	Repo       meteringdomain.Repository
	Ledger     ledgerdomain.Service
	Pricing    pricingdomain.Engine
	Config     config.Config
	Retry      db.RetryPolicy
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       meteringdomain.Repository
	ledger     ledgerdomain.Service
	pricing    pricingdomain.Engine
	retry      db.RetryPolicy
	obsMetrics *obsmetrics.Metrics

	defaultListLimit int
	maxListLimit     int
}

func NewService(p Params) meteringdomain.Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("metering.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		ledger:           p.Ledger,
		pricing:          p.Pricing,
		retry:            p.Retry,
		obsMetrics:       p.ObsMetrics,
		defaultListLimit: p.Config.Ledger.DefaultListLimit,
		maxListLimit:     p.Config.Ledger.MaxListLimit,
	}
}

type priced struct {
	model    string
	rawCost  decimal.Decimal
	tokens   int64
	margin   decimal.Decimal
	estimate int64
}

// MeterUsage prices a finished model call and debits the account. Pricing
// failures return before the ledger is touched; the debit and its usage
// record commit together or not at all.
func (s *Service) MeterUsage(ctx context.Context, req meteringdomain.MeterUsageRequest) (result *meteringdomain.MeterUsageResult, err error) {
	ctx, span := otel.Tracer("tokenledger/metering").Start(ctx, "metering.MeterUsage")
	defer func() { tracing.EndSpan(span, err) }()

	model := strings.TrimSpace(req.Model)
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Int64("input_tokens", req.InputTokens),
		attribute.Int64("output_tokens", req.OutputTokens),
	)

	accountID, err := ledgerdomain.ParseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	p, err := s.price(model, req)
	if err != nil {
		s.obsMetrics.RecordDebitRejected(ctx, model, err.Error())
		return nil, err
	}

	result, err = db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*meteringdomain.MeterUsageResult, error) {
		return s.debit(ctx, tx, accountID, p, req)
	}, s.notifyRetry(ctx))
	if err != nil {
		s.obsMetrics.RecordDebitRejected(ctx, model, rejectReason(err))
		if errors.Is(err, ledgerdomain.ErrInsufficientBalance) {
			log := obslogger.WithAccount(obslogger.WithContext(ctx, s.log), accountID.String())
			log.Debug("usage rejected",
				zap.Int64("tokens", p.tokens),
				zap.Error(err),
			)
		}
		return nil, err
	}

	span.SetAttributes(attribute.Int64("debited_tokens", result.DebitedTokens))
	s.obsMetrics.RecordDebit(ctx, model, result.DebitedTokens)
	return result, nil
}

func (s *Service) price(model string, req meteringdomain.MeterUsageRequest) (priced, error) {
	if req.InputTokens < 0 || req.OutputTokens < 0 || req.InputTokens+req.OutputTokens == 0 {
		return priced{}, pricingdomain.ErrInvalidUsage
	}

	margin, estimate := s.pricing.Defaults()
	if req.Margin != nil {
		margin = decimal.NewFromFloat(*req.Margin)
	}
	if req.ContextEstimate != nil {
		estimate = *req.ContextEstimate
	}

	rawCost, err := s.pricing.RawCost(model, req.InputTokens, req.OutputTokens)
	if err != nil {
		return priced{}, err
	}
	tokens, err := s.pricing.TokensToDebit(model, rawCost, margin, estimate)
	if err != nil {
		return priced{}, err
	}
	if tokens <= 0 {
		return priced{}, pricingdomain.ErrInvalidUsage
	}
	return priced{model: model, rawCost: rawCost, tokens: tokens, margin: margin, estimate: estimate}, nil
}

func (s *Service) debit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, p priced, req meteringdomain.MeterUsageRequest) (*meteringdomain.MeterUsageResult, error) {
	recordID := s.genID.Generate()
	txn, err := s.ledger.PostDebit(ctx, tx, accountID, p.tokens, ledgerdomain.Entry{
		Description: "Usage: " + p.model,
		Metadata: ledgerdomain.UsageMetadata{
			UsageRecordID:   recordID.String(),
			Model:           p.model,
			InputTokens:     req.InputTokens,
			OutputTokens:    req.OutputTokens,
			RawCost:         p.rawCost.String(),
			Margin:          p.margin.String(),
			ContextEstimate: p.estimate,
		},
	})
	if err != nil {
		return nil, err
	}

	record := &meteringdomain.UsageRecord{
		ID:              recordID,
		AccountID:       accountID,
		TransactionID:   txn.ID,
		Model:           p.model,
		InputTokens:     req.InputTokens,
		OutputTokens:    req.OutputTokens,
		RawCost:         p.rawCost.String(),
		DebitedTokens:   p.tokens,
		Margin:          p.margin.String(),
		ContextEstimate: p.estimate,
		TraceID:         optionalString(req.TraceID),
		CreatedAt:       s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, tx, record); err != nil {
		return nil, err
	}

	return &meteringdomain.MeterUsageResult{
		DebitedTokens: p.tokens,
		NewBalance:    txn.BalanceAfter,
		RawCost:       p.rawCost,
		UsageRecordID: record.ID,
		TransactionID: txn.ID,
	}, nil
}

func (s *Service) ListUsage(ctx context.Context, req meteringdomain.ListUsageRequest) (*meteringdomain.ListUsageResponse, error) {
	if _, err := s.ledger.GetAccount(ctx, req.AccountID); err != nil {
		return nil, err
	}
	accountID, err := ledgerdomain.ParseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}
	before, err := pagination.DecodeIDCursor(req.PageToken)
	if err != nil {
		return nil, err
	}
	limit := pagination.ClampLimit(req.Limit, s.defaultListLimit, s.maxListLimit)

	items, err := s.repo.ListByAccount(ctx, s.db, accountID, before, limit+1)
	if err != nil {
		return nil, db.Classify(ctx, err)
	}
	page, info := pagination.BuildCursorPageInfo(items, limit, func(r meteringdomain.UsageRecord) string {
		return r.ID.String()
	})
	if page == nil {
		page = []meteringdomain.UsageRecord{}
	}
	return &meteringdomain.ListUsageResponse{Records: page, PageInfo: info}, nil
}

func (s *Service) notifyRetry(ctx context.Context) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		s.log.Warn("retrying usage debit", zap.Error(err), zap.Duration("wait", wait))
		s.obsMetrics.RecordStoreRetry(ctx, "meter_usage", rejectReason(err))
	}
}

func rejectReason(err error) string {
	for _, known := range []error{
		ledgerdomain.ErrInsufficientBalance,
		ledgerdomain.ErrAccountNotFound,
		ledgerdomain.ErrAccountDisabled,
		ledgerdomain.ErrStoreConflict,
		ledgerdomain.ErrStoreTimeout,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal"
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
