package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"rental-service/internal/apperr"
	"rental-service/internal/store"

	"github.com/stretchr/testify/assert"
)

func TestStoreErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind apperr.Kind
	}{
		{"missing row", store.ErrNotFound, apperr.KindNotFound},
		{"stale version", store.ErrVersionConflict, apperr.KindConflict},
		{"overlap", fmt.Errorf("%w: reservations_no_overlap", store.ErrOverlap), apperr.KindConflict},
		{"duplicate", fmt.Errorf("%w: reservations_idempotency_key", store.ErrDuplicate), apperr.KindConflict},
		{"deadline", fmt.Errorf("database error: %w", context.DeadlineExceeded), apperr.KindTimeout},
		{"outage", fmt.Errorf("database error: %w", errors.New("connection refused")), apperr.KindStoreUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, apperr.KindOf(storeError(tt.err, "reservation", "r1")))
		})
	}

	assert.NoError(t, storeError(nil, "reservation", "r1"))
	assert.True(t, apperr.IsRetryable(storeError(errors.New("broken pipe"), "payment", "p1")))
}
