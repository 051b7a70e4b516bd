package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusHelpers(t *testing.T) {
	assert.True(t, ReservationCompleted.Terminal())
	assert.True(t, ReservationCancelled.Terminal())
	assert.False(t, ReservationConfirmed.Terminal())

	assert.True(t, ReservationActive.Blocks())
	assert.False(t, ReservationCancelled.Blocks())

	assert.True(t, PaymentPending.InFlight())
	assert.True(t, PaymentProcessing.InFlight())
	assert.False(t, PaymentSucceeded.InFlight())

	assert.True(t, PaymentRefunded.Live())
	assert.False(t, PaymentFailed.Live())
	assert.False(t, PaymentCancelled.Live())

	assert.True(t, MethodDebitCard.IsCard())
	assert.False(t, MethodPayPal.IsCard())
}

func TestParseEnums(t *testing.T) {
	st, err := ParsePaymentStatus("refunded")
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, st)
	_, err = ParsePaymentStatus("settled")
	assert.Error(t, err)

	m, err := ParsePaymentMethod("bank_transfer")
	require.NoError(t, err)
	assert.Equal(t, MethodBankTransfer, m)
	_, err = ParsePaymentMethod("cash")
	assert.Error(t, err)

	p, err := ParsePaymentProvider("paypal")
	require.NoError(t, err)
	assert.Equal(t, ProviderPayPal, p)
	_, err = ParsePaymentProvider("Stripe")
	assert.Error(t, err)
}

func TestMetadataScan(t *testing.T) {
	var m Metadata
	require.NoError(t, m.Scan([]byte(`{"card_brand":"visa"}`)))
	assert.Equal(t, "visa", m[MetaCardBrand])

	require.NoError(t, m.Scan(`{"refund_id":"re_1"}`))
	assert.Equal(t, Metadata{MetaRefundID: "re_1"}, m)

	require.NoError(t, m.Scan(nil))
	assert.NotNil(t, m)
	assert.Empty(t, m)

	assert.Error(t, m.Scan(42))
	assert.Error(t, m.Scan([]byte("{")))

	v, err := Metadata(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), v)
}

func TestPaymentCloneAndSetMeta(t *testing.T) {
	p := &Payment{ID: "pay-1"}
	p.SetMeta(MetaCardLast4, "4242")
	assert.Equal(t, "4242", p.Metadata[MetaCardLast4])

	c := p.Clone()
	c.SetMeta(MetaCardLast4, "0000")
	assert.Equal(t, "4242", p.Metadata[MetaCardLast4])
	assert.Equal(t, "0000", c.Metadata[MetaCardLast4])
}
