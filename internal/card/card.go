// Package card validates and formats card details before they reach a
// card-network gateway. Nothing here performs I/O.
package card

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Details is what a customer types into a card form.
type Details struct {
	Number     string `json:"card_number"`
	Expiry     string `json:"expiry_date"`
	CVV        string `json:"cvv"`
	HolderName string `json:"cardholder_name"`
}

// Result lists every rule the details violate.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

const (
	ErrCardNumberLength = "Invalid card number"
	ErrCardNumberLuhn   = "Invalid card number format"
	ErrExpiryFormat     = "Invalid expiry date format (MM/YY)"
	ErrExpired          = "Card has expired"
	ErrCVV              = "Invalid CVV"
	ErrHolderName       = "Invalid cardholder name"
)

var (
	expiryPattern = regexp.MustCompile(`^(0[1-9]|1[0-2])/(\d{2})$`)
	cvvPattern    = regexp.MustCompile(`^\d{3,4}$`)
	nonDigit      = regexp.MustCompile(`\D`)
)

// Validate checks d against the current month.
func Validate(d Details) Result {
	return ValidateAt(d, time.Now())
}

// ValidateAt checks d, treating now as the current instant for expiry.
func ValidateAt(d Details, now time.Time) Result {
	errs := make([]string, 0, 4)

	number := Normalize(d.Number)
	switch {
	case len(number) < 13 || len(number) > 19 || nonDigit.MatchString(number):
		errs = append(errs, ErrCardNumberLength)
	case !Luhn(number):
		errs = append(errs, ErrCardNumberLuhn)
	}

	if m := expiryPattern.FindStringSubmatch(d.Expiry); m == nil {
		errs = append(errs, ErrExpiryFormat)
	} else {
		month, _ := strconv.Atoi(m[1])
		year, _ := strconv.Atoi(m[2])
		expires := time.Date(2000+year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		if expires.Before(current) {
			errs = append(errs, ErrExpired)
		}
	}

	if !cvvPattern.MatchString(d.CVV) {
		errs = append(errs, ErrCVV)
	}

	if len([]rune(strings.TrimSpace(d.HolderName))) < 2 {
		errs = append(errs, ErrHolderName)
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

// Luhn reports whether a digit string passes the mod-10 checksum.
func Luhn(number string) bool {
	if number == "" {
		return false
	}

	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		c := number[i]
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}

// Normalize drops the spaces and dashes customers type between digit groups.
func Normalize(number string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(number)
}

// FormatCardNumber keeps digits only and separates groups of four with a space.
func FormatCardNumber(raw string) string {
	digits := nonDigit.ReplaceAllString(raw, "")

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatExpiry keeps at most four digits and inserts a slash once a third
// digit is present.
func FormatExpiry(raw string) string {
	digits := nonDigit.ReplaceAllString(raw, "")
	if len(digits) > 4 {
		digits = digits[:4]
	}
	if len(digits) <= 2 {
		return digits
	}
	return digits[:2] + "/" + digits[2:]
}

// Brand guesses the card network from the leading digits.
func Brand(number string) string {
	n := Normalize(number)
	switch {
	case strings.HasPrefix(n, "4"):
		return "visa"
	case strings.HasPrefix(n, "34"), strings.HasPrefix(n, "37"):
		return "amex"
	case strings.HasPrefix(n, "6011"), strings.HasPrefix(n, "65"):
		return "discover"
	case len(n) >= 2 && n[0] == '5' && n[1] >= '1' && n[1] <= '5':
		return "mastercard"
	case len(n) >= 4 && n[:4] >= "2221" && n[:4] <= "2720":
		return "mastercard"
	default:
		return "unknown"
	}
}

// Last4 returns the trailing four digits, or the whole number when shorter.
func Last4(number string) string {
	n := Normalize(number)
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}
