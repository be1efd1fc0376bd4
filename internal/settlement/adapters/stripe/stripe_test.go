package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

func signatureHeader(secret string, payload []byte, ts int64) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, sign(secret, fmt.Sprint(ts), payload))
}

func TestVerifySignature(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	adapter, err := NewAdapter(secret, DefaultTolerance, clock.NewFakeClock(now))
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_123","type":"payment_intent.succeeded","data":{"object":{}}}`)

	headers := http.Header{}
	headers.Set("Stripe-Signature", signatureHeader(secret, payload, now.Unix()))
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))

	headers.Set("Stripe-Signature", signatureHeader("wrong", payload, now.Unix()))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), settlementdomain.ErrInvalidSignature)

	headers.Set("Stripe-Signature", signatureHeader(secret, payload, now.Add(-time.Hour).Unix()))
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), settlementdomain.ErrInvalidSignature)

	headers.Set("Stripe-Signature", "garbage")
	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, headers), settlementdomain.ErrInvalidSignature)

	assert.ErrorIs(t, adapter.Verify(context.Background(), payload, http.Header{}), settlementdomain.ErrInvalidSignature)
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewAdapter("  ", DefaultTolerance, nil)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	adapter, err := NewAdapter(secret, 0, nil)
	require.NoError(t, err)

	tests := []struct {
		name      string
		event     map[string]any
		want      *settlementdomain.PaymentNotification
		wantError error
	}{{
		name: "checkout session paid",
		event: map[string]any{
			"id":   "evt_cs",
			"type": "checkout.session.completed",
			"data": map[string]any{"object": map[string]any{
				"id":             "cs_1",
				"payment_intent": "pi_1",
				"payment_status": "paid",
				"metadata":       map[string]any{"account_id": "1234", "pack_code": "starter"},
			}},
		},
		want: &settlementdomain.PaymentNotification{
			Provider: "stripe", EventID: "stripe:pi_1", AccountID: "1234",
			PackCode: "starter", PaymentReference: "pi_1",
		},
	}, {
		name: "checkout session uses client reference",
		event: map[string]any{
			"id":   "evt_cs2",
			"type": "checkout.session.completed",
			"data": map[string]any{"object": map[string]any{
				"id":                  "cs_2",
				"payment_status":      "paid",
				"client_reference_id": "777",
				"metadata":            map[string]any{"pack_code": "pro", "tokens": "900"},
			}},
		},
		want: &settlementdomain.PaymentNotification{
			Provider: "stripe", EventID: "stripe:cs_2", AccountID: "777",
			PackCode: "pro", PaymentReference: "cs_2", TokenQuantity: 900,
		},
	}, {
		name: "payment intent succeeded",
		event: map[string]any{
			"id":   "evt_pi",
			"type": "payment_intent.succeeded",
			"data": map[string]any{"object": map[string]any{
				"id":       "pi_1",
				"metadata": map[string]any{"account_id": "1234", "pack_code": "starter"},
			}},
		},
		want: &settlementdomain.PaymentNotification{
			Provider: "stripe", EventID: "stripe:pi_1", AccountID: "1234",
			PackCode: "starter", PaymentReference: "pi_1",
		},
	}, {
		name: "unpaid checkout ignored",
		event: map[string]any{
			"id":   "evt_cs3",
			"type": "checkout.session.completed",
			"data": map[string]any{"object": map[string]any{
				"id": "cs_3", "payment_status": "unpaid",
			}},
		},
		wantError: settlementdomain.ErrEventIgnored,
	}, {
		name:      "other event ignored",
		event:     map[string]any{"id": "evt_x", "type": "charge.refunded", "data": map[string]any{"object": map[string]any{}}},
		wantError: settlementdomain.ErrEventIgnored,
	}, {
		name: "missing pack",
		event: map[string]any{
			"id":   "evt_pi2",
			"type": "payment_intent.succeeded",
			"data": map[string]any{"object": map[string]any{
				"id":       "pi_2",
				"metadata": map[string]any{"account_id": "1234"},
			}},
		},
		wantError: settlementdomain.ErrInvalidEvent,
	}, {
		name:      "missing event id",
		event:     map[string]any{"type": "payment_intent.succeeded"},
		wantError: settlementdomain.ErrInvalidEvent,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := json.Marshal(tc.event)
			require.NoError(t, err)

			got, err := adapter.Parse(context.Background(), payload)
			if tc.wantError != nil {
				assert.ErrorIs(t, err, tc.wantError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCheckoutAndIntentShareIdempotencyKey(t *testing.T) {
	adapter, err := NewAdapter(secret, 0, nil)
	require.NoError(t, err)

	metadata := map[string]any{"account_id": "1234", "pack_code": "starter"}
	session, _ := json.Marshal(map[string]any{
		"id": "evt_a", "type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{"id": "cs_9", "payment_intent": "pi_9", "payment_status": "paid", "metadata": metadata}},
	})
	intent, _ := json.Marshal(map[string]any{
		"id": "evt_b", "type": "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{"id": "pi_9", "metadata": metadata}},
	})

	a, err := adapter.Parse(context.Background(), session)
	require.NoError(t, err)
	b, err := adapter.Parse(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, a.EventID, b.EventID)
}
