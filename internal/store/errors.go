package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
	ErrOverlap         = errors.New("reservation overlaps an existing reservation")
	ErrDuplicate       = errors.New("record violates a uniqueness rule")
)

// Postgres SQLSTATE codes
const (
	codeUniqueViolation    = "23505"
	codeExclusionViolation = "23P01"
)

// mapError turns driver errors into the package sentinels. Anything it does
// not recognise is returned wrapped so callers can treat it as an outage.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeExclusionViolation:
			return fmt.Errorf("%w: %s", ErrOverlap, pqErr.Constraint)
		case codeUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
		}
	}
	return fmt.Errorf("database error: %w", err)
}

// IsOutage reports whether err is an infrastructure failure rather than one
// of the sentinels above.
func IsOutage(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrVersionConflict) &&
		!errors.Is(err, ErrOverlap) &&
		!errors.Is(err, ErrDuplicate)
}
