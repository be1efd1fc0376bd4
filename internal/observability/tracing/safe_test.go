package tracing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/v1/settlements"),
		attribute.String("payment_reference", "pi_123"),
		attribute.String("stripe.signature", "t=1,v1=abc"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorFlattens(t *testing.T) {
	base := errors.New("store_conflict")
	wrapped := fmt.Errorf("meter usage: %w", base)

	safe := SafeError(wrapped)
	assert.EqualError(t, safe, "meter usage: store_conflict")
	assert.False(t, errors.Is(safe, base))
	assert.Nil(t, SafeError(nil))
}
