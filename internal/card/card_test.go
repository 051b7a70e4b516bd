package card

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var june2024 = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

func TestLuhn(t *testing.T) {
	assert.True(t, Luhn("4532015112830366"))
	assert.False(t, Luhn("4532015112830367"))
	assert.True(t, Luhn("4242424242424242"))
	assert.True(t, Luhn("378282246310005"))
	assert.False(t, Luhn(""))
	assert.False(t, Luhn("4242a24242424242"))
}

func TestValidateAcceptsGoodCard(t *testing.T) {
	res := ValidateAt(Details{
		Number:     "4532 0151 1283 0366",
		Expiry:     "12/25",
		CVV:        "123",
		HolderName: "Jane Doe",
	}, june2024)

	assert.True(t, res.Valid)
	assert.Empty(t, res.Errors)
}

func TestValidateReportsEveryViolation(t *testing.T) {
	res := ValidateAt(Details{
		Number:     "4532015112830367",
		Expiry:     "13/25",
		CVV:        "12",
		HolderName: " J ",
	}, june2024)

	assert.False(t, res.Valid)
	assert.Equal(t, []string{ErrCardNumberLuhn, ErrExpiryFormat, ErrCVV, ErrHolderName}, res.Errors)
}

func TestValidateCardNumberLength(t *testing.T) {
	res := ValidateAt(Details{Number: "4242", Expiry: "12/30", CVV: "1234", HolderName: "Al"}, june2024)
	assert.Equal(t, []string{ErrCardNumberLength}, res.Errors)

	res = ValidateAt(Details{Number: "42424242424242424242", Expiry: "12/30", CVV: "123", HolderName: "Al"}, june2024)
	assert.Equal(t, []string{ErrCardNumberLength}, res.Errors)
}

func TestValidateExpiry(t *testing.T) {
	base := Details{Number: "4242424242424242", CVV: "123", HolderName: "Jane"}

	cases := []struct {
		expiry string
		errs   []string
	}{
		{"06/24", nil},
		{"07/24", nil},
		{"05/24", []string{ErrExpired}},
		{"12/23", []string{ErrExpired}},
		{"00/25", []string{ErrExpiryFormat}},
		{"1225", []string{ErrExpiryFormat}},
		{"1/25", []string{ErrExpiryFormat}},
	}

	for _, tc := range cases {
		t.Run(tc.expiry, func(t *testing.T) {
			d := base
			d.Expiry = tc.expiry
			res := ValidateAt(d, june2024)
			if tc.errs == nil {
				assert.True(t, res.Valid, res.Errors)
				return
			}
			assert.Equal(t, tc.errs, res.Errors)
		})
	}
}

func TestFormatCardNumber(t *testing.T) {
	assert.Equal(t, "4532 0151 1283 0366", FormatCardNumber("4532015112830366"))
	assert.Equal(t, "4532 0151 1", FormatCardNumber("4532-0151-1"))
	assert.Equal(t, "4532", FormatCardNumber("4532"))
	assert.Equal(t, "", FormatCardNumber("abc"))
}

func TestFormatExpiry(t *testing.T) {
	assert.Equal(t, "12/25", FormatExpiry("1225"))
	assert.Equal(t, "13", FormatExpiry("13"))
	assert.Equal(t, "1", FormatExpiry("1"))
	assert.Equal(t, "12/2", FormatExpiry("122"))
	assert.Equal(t, "12/25", FormatExpiry("12/2599"))
}

func TestBrandAndLast4(t *testing.T) {
	assert.Equal(t, "visa", Brand("4532 0151 1283 0366"))
	assert.Equal(t, "mastercard", Brand("5555555555554444"))
	assert.Equal(t, "mastercard", Brand("2223003122003222"))
	assert.Equal(t, "amex", Brand("378282246310005"))
	assert.Equal(t, "discover", Brand("6011111111111117"))
	assert.Equal(t, "unknown", Brand("9999"))

	assert.Equal(t, "0366", Last4("4532 0151 1283 0366"))
	assert.Equal(t, "12", Last4("12"))
}
