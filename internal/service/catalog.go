package service

import (
	"context"
	"errors"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// VehicleCatalog serves vehicle lookups from the cache when it can and the
// store otherwise.
type VehicleCatalog struct {
	store  VehicleStore
	cache  VehicleCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewVehicleCatalog creates a catalog. cache may be nil.
func NewVehicleCatalog(store VehicleStore, cache VehicleCache, ttl time.Duration) *VehicleCatalog {
	return &VehicleCatalog{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// GetVehicle retrieves a vehicle (fast path via cache)
func (c *VehicleCatalog) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	ctx, span := util.StartSpan(ctx, "VehicleCatalog.GetVehicle")
	defer span.End()

	if c.cache != nil {
		v, err := c.cache.GetCachedVehicle(ctx, id)
		if err != nil {
			c.logger.Warn("Vehicle cache read failed, falling back to DB",
				zap.String("vehicle_id", id),
				zap.Error(err))
		} else if v != nil {
			return v, nil
		}
	}

	v, err := c.store.GetVehicle(ctx, id)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "vehicle", id))
	}

	if c.cache != nil {
		if err := c.cache.CacheVehicle(ctx, v, c.ttl); err != nil {
			c.logger.Warn("Failed to cache vehicle",
				zap.String("vehicle_id", id),
				zap.Error(err))
		}
	}
	return v, nil
}

// ListVehicles returns the whole fleet from the store
func (c *VehicleCatalog) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	ctx, span := util.StartSpan(ctx, "VehicleCatalog.ListVehicles")
	defer span.End()

	out, err := c.store.ListVehicles(ctx)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "vehicle", "*"))
	}
	return out, nil
}

type UpsertVehicleRequest struct {
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	LicensePlate string `json:"license_plate"`
	DailyRate    int64  `json:"daily_rate"`
	IsAvailable  *bool  `json:"is_available"`
}

// UpsertVehicle writes catalog fields and drops the cached copy. Existing
// reservations keep the rate they were priced with.
func (c *VehicleCatalog) UpsertVehicle(ctx context.Context, id string, req *UpsertVehicleRequest) (*models.Vehicle, error) {
	ctx, span := util.StartSpan(ctx, "VehicleCatalog.UpsertVehicle")
	defer span.End()

	if id == "" {
		return nil, apperr.InvalidInput("vehicle id is required")
	}
	if req.DailyRate <= 0 {
		return nil, apperr.InvalidInput("daily_rate must be positive")
	}

	v := &models.Vehicle{
		ID:           id,
		Make:         req.Make,
		Model:        req.Model,
		Year:         req.Year,
		LicensePlate: req.LicensePlate,
		DailyRate:    req.DailyRate,
		IsAvailable:  req.IsAvailable == nil || *req.IsAvailable,
	}
	if err := c.store.UpsertVehicle(ctx, v); err != nil {
		return nil, util.RecordError(span, storeError(err, "vehicle", id))
	}

	if c.cache != nil {
		if err := c.cache.InvalidateVehicle(ctx, id); err != nil {
			c.logger.Error("Failed to invalidate cached vehicle",
				zap.String("vehicle_id", id),
				zap.Error(err))
		}
	}

	c.logger.Info("Vehicle upserted",
		zap.String("vehicle_id", id),
		zap.Int64("daily_rate", v.DailyRate),
		zap.Bool("is_available", v.IsAvailable))
	return v, nil
}

// SyncVehiclesToCache warms the cache from the store
func (c *VehicleCatalog) SyncVehiclesToCache(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	c.logger.Info("Starting vehicle sync to cache")

	vehicles, err := c.store.ListVehicles(ctx)
	if err != nil {
		return storeError(err, "vehicle", "*")
	}

	var failed int
	for i := range vehicles {
		if err := c.cache.CacheVehicle(ctx, &vehicles[i], c.ttl); err != nil {
			failed++
			c.logger.Error("Failed to cache vehicle",
				zap.String("vehicle_id", vehicles[i].ID),
				zap.Error(err))
		}
	}

	c.logger.Info("Vehicle sync completed",
		zap.Int("vehicles", len(vehicles)),
		zap.Int("failed", failed))
	if failed > 0 {
		return errors.New("some vehicles could not be cached")
	}
	return nil
}
