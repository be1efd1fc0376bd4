package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/tokenledger/internal/clock"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
)

const (
	providerName = "stripe"

	// DefaultTolerance is the accepted age of a signed delivery.
	DefaultTolerance = 5 * time.Minute
)

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
}

func NewAdapter(webhookSecret string, tolerance time.Duration, clk clock.Clock) (*Adapter, error) {
	webhookSecret = strings.TrimSpace(webhookSecret)
	if webhookSecret == "" {
		return nil, errors.New("stripe webhook secret is empty")
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Adapter{webhookSecret: webhookSecret, tolerance: tolerance, clock: clk}, nil
}

func (a *Adapter) Provider() string {
	return providerName
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return settlementdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return settlementdomain.ErrInvalidSignature
	}
	if a.tolerance > 0 {
		sec, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return settlementdomain.ErrInvalidSignature
		}
		age := a.clock.Now().Sub(time.Unix(sec, 0))
		if age > a.tolerance || age < -a.tolerance {
			return settlementdomain.ErrInvalidSignature
		}
	}

	expected := sign(a.webhookSecret, timestamp, payload)
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return settlementdomain.ErrInvalidSignature
}

// Parse maps paid checkout sessions and succeeded payment intents. The
// idempotency key is derived from the payment intent so that both events
// of one purchase settle once.
func (a *Adapter) Parse(ctx context.Context, payload []byte) (*settlementdomain.PaymentNotification, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, settlementdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, settlementdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event)
	case "payment_intent.succeeded":
		return a.parsePaymentIntent(event)
	default:
		return nil, settlementdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string         `json:"id"`
	PaymentIntent     string         `json:"payment_intent"`
	PaymentStatus     string         `json:"payment_status"`
	ClientReferenceID string         `json:"client_reference_id"`
	Metadata          map[string]any `json:"metadata"`
}

type stripePaymentIntent struct {
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent) (*settlementdomain.PaymentNotification, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, settlementdomain.ErrInvalidPayload
	}
	if !strings.EqualFold(strings.TrimSpace(session.PaymentStatus), "paid") {
		return nil, settlementdomain.ErrEventIgnored
	}

	accountID := readMetadataValue(session.Metadata, "account_id")
	if accountID == "" {
		accountID = strings.TrimSpace(session.ClientReferenceID)
	}
	reference := strings.TrimSpace(session.PaymentIntent)
	if reference == "" {
		reference = strings.TrimSpace(session.ID)
	}
	return notification(reference, accountID, session.Metadata)
}

func (a *Adapter) parsePaymentIntent(event stripeEvent) (*settlementdomain.PaymentNotification, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, settlementdomain.ErrInvalidPayload
	}
	return notification(strings.TrimSpace(intent.ID), readMetadataValue(intent.Metadata, "account_id"), intent.Metadata)
}

func notification(reference, accountID string, metadata map[string]any) (*settlementdomain.PaymentNotification, error) {
	packCode := readMetadataValue(metadata, "pack_code")
	if reference == "" || accountID == "" || packCode == "" {
		return nil, settlementdomain.ErrInvalidEvent
	}

	var quantity int64
	if raw := readMetadataValue(metadata, "tokens"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed <= 0 {
			return nil, settlementdomain.ErrInvalidEvent
		}
		quantity = parsed
	}

	return &settlementdomain.PaymentNotification{
		Provider:         providerName,
		EventID:          providerName + ":" + reference,
		AccountID:        accountID,
		PackCode:         packCode,
		PaymentReference: reference,
		TokenQuantity:    quantity,
	}, nil
}

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", timestamp, string(payload))))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseStripeSignature(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			timestamp = strings.TrimSpace(value)
		case "v1":
			signatures = append(signatures, strings.TrimSpace(value))
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func readMetadataValue(metadata map[string]any, key string) string {
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	}
	return ""
}
