package service

import (
	"context"
	"errors"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/lock"
	"rental-service/internal/store"
)

const defaultLockTimeout = 10 * time.Second

// storeError classifies a repository failure for resource id.
func storeError(err error, resource, id string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, err, "store call for %s %s timed out", resource, id)
	case store.IsOutage(err):
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "store unavailable")
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(resource, id)
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.Conflict("%s %s was modified concurrently, retry with fresh state", resource, id)
	case errors.Is(err, store.ErrOverlap):
		return apperr.Conflict("vehicle is already reserved for the requested dates")
	default:
		return apperr.Conflict("%s %s conflicts with an existing record", resource, id)
	}
}

// acquire takes key on locker, giving up after timeout.
func acquire(ctx context.Context, locker lock.Locker, key string, timeout time.Duration) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	unlock, err := locker.Lock(lockCtx, key)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, apperr.Wrap(apperr.KindTimeout, err, "timed out waiting for %s", key)
	}
	return nil, apperr.Wrap(apperr.KindStoreUnavailable, err, "lock service unavailable")
}
