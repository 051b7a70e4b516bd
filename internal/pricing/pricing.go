package pricing

import (
	"fmt"
	"time"

	"rental-service/internal/apperr"
)

const day = 24 * time.Hour

// Range is a half-open rental window [Pickup, Return).
type Range struct {
	Pickup time.Time
	Return time.Time
}

// Overlaps reports whether r and o share any instant. A range ending exactly
// where another starts does not overlap it.
func (r Range) Overlaps(o Range) bool {
	return r.Pickup.Before(o.Return) && o.Pickup.Before(r.Return)
}

// ComputeDuration returns the number of rental days, rounding any partial day up.
func ComputeDuration(pickup, ret time.Time) (int, error) {
	if !ret.After(pickup) {
		return 0, apperr.InvalidRange("return %s must be after pickup %s",
			ret.Format(time.RFC3339), pickup.Format(time.RFC3339))
	}

	elapsed := ret.Sub(pickup)
	days := int(elapsed / day)
	if elapsed%day != 0 {
		days++
	}
	return days, nil
}

// ComputePrice multiplies the daily rate (minor units) by the number of days.
func ComputePrice(dailyRate int64, days int) int64 {
	return dailyRate * int64(days)
}

// Quote validates a range and prices it in one step.
func Quote(dailyRate int64, r Range) (days int, total int64, err error) {
	days, err = ComputeDuration(r.Pickup, r.Return)
	if err != nil {
		return 0, 0, err
	}
	return days, ComputePrice(dailyRate, days), nil
}

// HasConflict reports whether candidate overlaps any of the existing ranges.
// Callers must drop cancelled reservations before calling.
func HasConflict(existing []Range, candidate Range) bool {
	for _, r := range existing {
		if r.Overlaps(candidate) {
			return true
		}
	}
	return false
}

// FormatAmount renders minor units as a decimal string with two places.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
