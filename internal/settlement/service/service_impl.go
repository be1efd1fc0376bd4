package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	ledgerdomain "github.com/smallbiznis/tokenledger/internal/ledger/domain"
	obslogger "github.com/smallbiznis/tokenledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tokenledger/internal/observability/metrics"
	"github.com/smallbiznis/tokenledger/internal/observability/tracing"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sourceDirect = "direct"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Guard      settlementdomain.Guard
	Inflight   settlementdomain.InflightLock
	Ledger     ledgerdomain.Service
	Retry      db.RetryPolicy
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	guard      settlementdomain.Guard
	inflight   settlementdomain.InflightLock
	ledger     ledgerdomain.Service
	retry      db.RetryPolicy
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) settlementdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		clock:      p.Clock,
		guard:      p.Guard,
		inflight:   p.Inflight,
		ledger:     p.Ledger,
		retry:      p.Retry,
		obsMetrics: p.ObsMetrics,
	}
}

// SettlePayment credits a confirmed purchase. The guard reservation, the
// credit and the confirmation share one database transaction; a replayed
// event returns the current balance without crediting again.
func (s *Service) SettlePayment(ctx context.Context, req settlementdomain.SettleRequest) (result *settlementdomain.SettleResult, err error) {
	ctx, span := otel.Tracer("tokenledger/settlement").Start(ctx, "settlement.SettlePayment")
	defer func() { tracing.EndSpan(span, err) }()

	req, err = normalize(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("event_id", req.EventID),
		attribute.String("source", req.Source),
		attribute.Int64("token_quantity", req.TokenQuantity),
	)

	accountID, err := ledgerdomain.ParseAccountID(req.AccountID)
	if err != nil {
		return nil, err
	}

	result, err = db.TransactValue(ctx, s.db, s.retry, func(tx *gorm.DB) (*settlementdomain.SettleResult, error) {
		release, err := s.inflight.Acquire(ctx, req.EventID)
		if err != nil {
			return nil, err
		}
		defer release()

		now := s.clock.Now()
		reserved, err := s.guard.Reserve(ctx, tx, &settlementdomain.ProcessedEvent{
			EventID:          req.EventID,
			AccountID:        accountID,
			PaymentReference: req.PaymentReference,
			TokenQuantity:    req.TokenQuantity,
			Source:           req.Source,
			ReceivedAt:       now,
		})
		if err != nil {
			return nil, err
		}
		if !reserved {
			return s.duplicate(ctx, tx, req)
		}

		txn, err := s.ledger.PostCredit(ctx, tx, accountID, req.TokenQuantity, ledgerdomain.Entry{
			Description:      "Token purchase",
			PaymentReference: req.PaymentReference,
			SourceEventID:    req.EventID,
			Metadata: ledgerdomain.PaymentMetadata{
				EventID:          req.EventID,
				PaymentReference: req.PaymentReference,
				Source:           req.Source,
				PackCode:         req.PackCode,
			},
		})
		if err != nil {
			return nil, err
		}
		if err := s.guard.Confirm(ctx, tx, req.EventID, txn.ID, now); err != nil {
			return nil, err
		}

		txnID := txn.ID
		return &settlementdomain.SettleResult{
			EventID:       req.EventID,
			Applied:       true,
			NewBalance:    txn.BalanceAfter,
			TransactionID: &txnID,
		}, nil
	}, s.notifyRetry(ctx))
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Bool("applied", result.Applied))
	if result.Applied {
		s.obsMetrics.RecordCredit(ctx, req.Source, req.TokenQuantity)
		log := obslogger.WithAccount(obslogger.WithContext(ctx, s.log), accountID.String())
		log.Info("payment settled",
			zap.String("event_id", req.EventID),
			zap.Int64("tokens", req.TokenQuantity),
		)
	} else {
		s.obsMetrics.RecordSettlementDeduplicated(ctx, req.Source)
	}
	return result, nil
}

func (s *Service) duplicate(ctx context.Context, tx *gorm.DB, req settlementdomain.SettleRequest) (*settlementdomain.SettleResult, error) {
	existing, err := s.guard.Find(ctx, tx, req.EventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, db.ErrStoreConflict
	}

	if existing.AccountID.String() != req.AccountID || existing.TokenQuantity != req.TokenQuantity {
		s.log.Warn("replayed event differs from the settled one",
			zap.String("event_id", req.EventID),
			zap.String("settled_account_id", existing.AccountID.String()),
			zap.String("replayed_account_id", req.AccountID),
			zap.Int64("settled_tokens", existing.TokenQuantity),
			zap.Int64("replayed_tokens", req.TokenQuantity),
		)
	}

	balance, err := s.ledger.BalanceTx(ctx, tx, existing.AccountID)
	if err != nil {
		return nil, err
	}
	return &settlementdomain.SettleResult{
		EventID:       req.EventID,
		Applied:       false,
		NewBalance:    balance,
		TransactionID: existing.TransactionID,
	}, nil
}

func normalize(req settlementdomain.SettleRequest) (settlementdomain.SettleRequest, error) {
	req.EventID = strings.TrimSpace(req.EventID)
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	req.PackCode = strings.TrimSpace(req.PackCode)
	req.Source = strings.ToLower(strings.TrimSpace(req.Source))
	if req.Source == "" {
		req.Source = sourceDirect
	}

	switch {
	case req.EventID == "", len(req.EventID) > settlementdomain.MaxEventIDLength:
		return req, settlementdomain.ErrInvalidEvent
	case req.AccountID == "":
		return req, settlementdomain.ErrInvalidEvent
	case req.TokenQuantity <= 0:
		return req, settlementdomain.ErrInvalidEvent
	case req.PaymentReference == "":
		return req, settlementdomain.ErrInvalidEvent
	}
	return req, nil
}

func (s *Service) notifyRetry(ctx context.Context) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		s.log.Warn("retrying settlement", zap.Error(err), zap.Duration("wait", wait))
		reason := "internal"
		for _, known := range []error{db.ErrStoreConflict, db.ErrStoreTimeout} {
			if errors.Is(err, known) {
				reason = known.Error()
			}
		}
		s.obsMetrics.RecordStoreRetry(ctx, "settle_payment", reason)
	}
}
