package service

import (
	"context"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/pricing"
	"rental-service/internal/util"

	"go.uber.org/zap"
)

// Availability is a quote for renting one vehicle over [From, To). It is a
// snapshot: Create still decides under the vehicle lock.
type Availability struct {
	VehicleID   string    `json:"vehicle_id"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Available   bool      `json:"available"`
	TotalDays   int       `json:"total_days"`
	DailyRate   int64     `json:"daily_rate"`
	TotalAmount int64     `json:"total_amount"`
}

// CheckAvailability reports whether vehicleID could be booked for [from, to)
// and what it would cost at today's rate
func (s *ReservationService) CheckAvailability(ctx context.Context, vehicleID string, from, to time.Time) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.CheckAvailability")
	defer span.End()

	days, err := pricing.ComputeDuration(from, to)
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	vehicle, err := s.vehicles.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	free := false
	if vehicle.IsAvailable {
		ranges, err := s.blockingRanges(ctx, vehicleID, "")
		if err != nil {
			return nil, util.RecordError(span, err)
		}
		free = !pricing.HasConflict(ranges, pricing.Range{Pickup: from, Return: to})
	}

	return &Availability{
		VehicleID:   vehicleID,
		From:        from.UTC(),
		To:          to.UTC(),
		Available:   free,
		TotalDays:   days,
		DailyRate:   vehicle.DailyRate,
		TotalAmount: pricing.ComputePrice(vehicle.DailyRate, days),
	}, nil
}

// AvailableVehicles lists the rentable vehicles with no live reservation
// overlapping [from, to)
func (s *ReservationService) AvailableVehicles(ctx context.Context, from, to time.Time) ([]models.Vehicle, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.AvailableVehicles")
	defer span.End()

	if _, err := pricing.ComputeDuration(from, to); err != nil {
		return nil, util.RecordError(span, err)
	}

	fleet, err := s.vehicles.ListVehicles(ctx)
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	window := pricing.Range{Pickup: from, Return: to}
	out := make([]models.Vehicle, 0, len(fleet))
	for _, v := range fleet {
		if !v.IsAvailable {
			continue
		}
		ranges, err := s.blockingRanges(ctx, v.ID, "")
		if err != nil {
			return nil, util.RecordError(span, err)
		}
		if !pricing.HasConflict(ranges, window) {
			out = append(out, v)
		}
	}

	s.logger.Debug("Availability search",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("fleet", len(fleet)),
		zap.Int("available", len(out)))
	return out, nil
}
