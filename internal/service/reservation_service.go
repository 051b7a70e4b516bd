package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/broker"
	"rental-service/internal/lock"
	"rental-service/internal/models"
	"rental-service/internal/pricing"
	"rental-service/internal/store"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReservationService owns the reservation state machine
type ReservationService struct {
	vehicles    VehicleLookup
	repo        ReservationRepository
	locker      lock.Locker
	events      EventPublisher
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

// NewReservationService creates a new reservation service
func NewReservationService(
	vehicles VehicleLookup,
	repo ReservationRepository,
	locker lock.Locker,
	events EventPublisher,
) *ReservationService {
	return &ReservationService{
		vehicles:    vehicles,
		repo:        repo,
		locker:      locker,
		events:      events,
		lockTimeout: defaultLockTimeout,
		now:         time.Now,
		logger:      util.GetLogger(),
	}
}

// SetClock replaces the time source used for "today" and timestamps.
func (s *ReservationService) SetClock(now func() time.Time) { s.now = now }

func (s *ReservationService) SetLockTimeout(d time.Duration) {
	if d > 0 {
		s.lockTimeout = d
	}
}

// CreateReservationRequest represents a request to reserve a vehicle
type CreateReservationRequest struct {
	VehicleID      string    `json:"vehicle_id" binding:"required"`
	CustomerID     string    `json:"customer_id" binding:"required"`
	PickupAt       time.Time `json:"pickup_at" binding:"required"`
	ReturnAt       time.Time `json:"return_at" binding:"required"`
	PickupLocation string    `json:"pickup_location"`
	ReturnLocation string    `json:"return_location"`
	Notes          string    `json:"notes,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// RescheduleRequest moves a reservation. Nil fields keep their value.
type RescheduleRequest struct {
	PickupAt       *time.Time `json:"pickup_at,omitempty"`
	ReturnAt       *time.Time `json:"return_at,omitempty"`
	PickupLocation *string    `json:"pickup_location,omitempty"`
	ReturnLocation *string    `json:"return_location,omitempty"`
	Notes          *string    `json:"notes,omitempty"`
}

// empty reports whether the request changes nothing.
func (r *RescheduleRequest) empty() bool {
	return r.PickupAt == nil && r.ReturnAt == nil && r.PickupLocation == nil &&
		r.ReturnLocation == nil && r.Notes == nil
}

func (s *ReservationService) today() time.Time {
	return s.now().UTC().Truncate(24 * time.Hour)
}

// validateRange checks the dates and returns the rental length in days.
func (s *ReservationService) validateRange(pickup, ret time.Time) (int, error) {
	days, err := pricing.ComputeDuration(pickup, ret)
	if err != nil {
		return 0, err
	}
	if pickup.Before(s.today()) {
		return 0, apperr.InvalidRange("pickup %s is in the past", pickup.Format(time.RFC3339))
	}
	return days, nil
}

// blockingRanges returns the windows of vehicleID's reservations that still
// occupy it, skipping excludeID.
func (s *ReservationService) blockingRanges(ctx context.Context, vehicleID, excludeID string) ([]pricing.Range, error) {
	existing, err := s.repo.ListReservationsByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, storeError(err, "vehicle", vehicleID)
	}

	ranges := make([]pricing.Range, 0, len(existing))
	for _, r := range existing {
		if r.ID == excludeID || !r.Status.Blocks() {
			continue
		}
		ranges = append(ranges, pricing.Range{Pickup: r.PickupAt, Return: r.ReturnAt})
	}
	return ranges, nil
}

// checkAvailability fails with Conflict when candidate overlaps any other
// blocking reservation on the vehicle. Callers hold the vehicle lock.
func (s *ReservationService) checkAvailability(ctx context.Context, vehicleID, excludeID string, candidate pricing.Range) error {
	ranges, err := s.blockingRanges(ctx, vehicleID, excludeID)
	if err != nil {
		return err
	}

	if pricing.HasConflict(ranges, candidate) {
		return apperr.Conflict("vehicle %s is already reserved between %s and %s", vehicleID,
			candidate.Pickup.Format(time.RFC3339), candidate.Return.Format(time.RFC3339))
	}
	return nil
}

// Create admits a new reservation in pending status with a frozen price
func (s *ReservationService) Create(ctx context.Context, req *CreateReservationRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Create")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationAdmissionLatency.Observe(time.Since(start).Seconds())
	}()

	r, err := s.create(ctx, req)
	if err != nil {
		util.ReservationsRejectedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return nil, util.RecordError(span, err)
	}
	return r, nil
}

func (s *ReservationService) create(ctx context.Context, req *CreateReservationRequest) (*models.Reservation, error) {
	if req.VehicleID == "" || req.CustomerID == "" {
		return nil, apperr.InvalidInput("vehicle_id and customer_id are required")
	}

	if req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, req)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	days, err := s.validateRange(req.PickupAt, req.ReturnAt)
	if err != nil {
		return nil, err
	}

	vehicle, err := s.vehicles.GetVehicle(ctx, req.VehicleID)
	if err != nil {
		return nil, err
	}
	if !vehicle.IsAvailable {
		return nil, apperr.New(apperr.KindUnavailable, "vehicle %s is not available for rent", vehicle.ID)
	}

	unlock, err := acquire(ctx, s.locker, lock.VehicleKey(vehicle.ID), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	candidate := pricing.Range{Pickup: req.PickupAt, Return: req.ReturnAt}
	if err := s.checkAvailability(ctx, vehicle.ID, "", candidate); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	reservation := &models.Reservation{
		ID:             uuid.New().String(),
		VehicleID:      vehicle.ID,
		CustomerID:     req.CustomerID,
		PickupAt:       req.PickupAt.UTC(),
		ReturnAt:       req.ReturnAt.UTC(),
		TotalDays:      days,
		DailyRate:      vehicle.DailyRate,
		TotalAmount:    pricing.ComputePrice(vehicle.DailyRate, days),
		Status:         models.ReservationPending,
		PickupLocation: req.PickupLocation,
		ReturnLocation: req.ReturnLocation,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.InsertReservation(ctx, reservation); err != nil {
		if req.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicate) {
			if existing, lookupErr := s.findByIdempotencyKey(ctx, req); lookupErr != nil || existing != nil {
				return existing, lookupErr
			}
		}
		return nil, storeError(err, "reservation", reservation.ID)
	}

	util.ReservationsCreatedTotal.Inc()
	s.logger.Info("Reservation created",
		zap.String("reservation_id", reservation.ID),
		zap.String("vehicle_id", reservation.VehicleID),
		zap.Int("total_days", reservation.TotalDays),
		zap.Int64("total_amount", reservation.TotalAmount))

	s.publish(ctx, reservation, models.EventTypeReservationCreated, "")
	return reservation, nil
}

// findByIdempotencyKey returns the reservation a previous identical request
// created, nil if the key is unused, or Conflict if the key was used for a
// different booking.
func (s *ReservationService) findByIdempotencyKey(ctx context.Context, req *CreateReservationRequest) (*models.Reservation, error) {
	existing, err := s.repo.GetReservationByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", storeError(err, "reservation", req.IdempotencyKey))
	}

	if existing.VehicleID != req.VehicleID || existing.CustomerID != req.CustomerID ||
		!existing.PickupAt.Equal(req.PickupAt) || !existing.ReturnAt.Equal(req.ReturnAt) {
		return nil, apperr.Conflict("idempotency key %s was already used for a different reservation", req.IdempotencyKey)
	}

	s.logger.Info("Duplicate reservation request detected",
		zap.String("idempotency_key", req.IdempotencyKey),
		zap.String("reservation_id", existing.ID))
	return existing, nil
}

// Reschedule moves a pending or confirmed reservation to new dates,
// repricing it at the rate captured when it was created
func (s *ReservationService) Reschedule(ctx context.Context, id string, req *RescheduleRequest) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Reschedule")
	defer span.End()

	r, err := s.reschedule(ctx, id, req)
	return r, util.RecordError(span, err)
}

func (s *ReservationService) reschedule(ctx context.Context, id string, req *RescheduleRequest) (*models.Reservation, error) {
	unlock, err := acquire(ctx, s.locker, lock.ReservationKey(id), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, storeError(err, "reservation", id)
	}
	if r.Status != models.ReservationPending && r.Status != models.ReservationConfirmed {
		return nil, apperr.InvalidState("reservation %s is %s and can no longer be changed", id, r.Status)
	}

	if req.empty() {
		return nil, apperr.InvalidInput("reschedule of %s changes nothing", id)
	}

	pickup, ret := r.PickupAt, r.ReturnAt
	if req.PickupAt != nil {
		pickup = *req.PickupAt
	}
	if req.ReturnAt != nil {
		ret = *req.ReturnAt
	}

	// a pickup that is kept may already lie in the past
	days, err := pricing.ComputeDuration(pickup, ret)
	if err != nil {
		return nil, err
	}
	if req.PickupAt != nil && pickup.Before(s.today()) {
		return nil, apperr.InvalidRange("pickup %s is in the past", pickup.Format(time.RFC3339))
	}
	total := pricing.ComputePrice(r.DailyRate, days)
	if r.Status == models.ReservationConfirmed && total != r.TotalAmount {
		return nil, apperr.InvalidState("reservation %s is paid; new dates would change the total from %s to %s",
			id, pricing.FormatAmount(r.TotalAmount), pricing.FormatAmount(total))
	}

	unlockVehicle, err := acquire(ctx, s.locker, lock.VehicleKey(r.VehicleID), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlockVehicle()

	candidate := pricing.Range{Pickup: pickup, Return: ret}
	if err := s.checkAvailability(ctx, r.VehicleID, r.ID, candidate); err != nil {
		return nil, err
	}

	r.PickupAt = pickup.UTC()
	r.ReturnAt = ret.UTC()
	r.TotalDays = days
	r.TotalAmount = total
	if req.PickupLocation != nil {
		r.PickupLocation = *req.PickupLocation
	}
	if req.ReturnLocation != nil {
		r.ReturnLocation = *req.ReturnLocation
	}
	if req.Notes != nil {
		r.Notes = *req.Notes
	}
	r.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateReservation(ctx, r); err != nil {
		return nil, storeError(err, "reservation", id)
	}

	s.logger.Info("Reservation rescheduled",
		zap.String("reservation_id", id),
		zap.Int("total_days", r.TotalDays),
		zap.Int64("total_amount", r.TotalAmount))

	s.publish(ctx, r, models.EventTypeReservationRescheduled, "")
	return r, nil
}

var transitionEvents = map[models.ReservationStatus]string{
	models.ReservationConfirmed: models.EventTypeReservationConfirmed,
	models.ReservationActive:    models.EventTypeReservationActivated,
	models.ReservationCompleted: models.EventTypeReservationCompleted,
	models.ReservationCancelled: models.EventTypeReservationCancelled,
}

// transition moves reservation id to `to` if its current status is one of from.
func (s *ReservationService) transition(ctx context.Context, id string, to models.ReservationStatus, reason string, from ...models.ReservationStatus) (*models.Reservation, error) {
	unlock, err := acquire(ctx, s.locker, lock.ReservationKey(id), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, storeError(err, "reservation", id)
	}

	allowed := false
	for _, st := range from {
		if r.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		if r.Status.Terminal() {
			return nil, apperr.InvalidState("reservation %s is already %s", id, r.Status)
		}
		return nil, apperr.InvalidState("reservation %s cannot move from %s to %s", id, r.Status, to)
	}

	if err := s.apply(ctx, r, to, reason); err != nil {
		return nil, err
	}
	return r, nil
}

// apply persists a status change on a reservation the caller has locked.
func (s *ReservationService) apply(ctx context.Context, r *models.Reservation, to models.ReservationStatus, reason string) error {
	from := r.Status
	r.Status = to
	r.UpdatedAt = s.now().UTC()

	if err := s.repo.UpdateReservation(ctx, r); err != nil {
		r.Status = from
		return storeError(err, "reservation", r.ID)
	}

	util.ReservationTransitionsTotal.WithLabelValues(string(to)).Inc()
	s.logger.Info("Reservation status changed",
		zap.String("reservation_id", r.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	s.publish(ctx, r, transitionEvents[to], reason)
	return nil
}

// Cancel cancels a pending or confirmed reservation. Payments are not refunded.
func (s *ReservationService) Cancel(ctx context.Context, id, reason string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Cancel")
	defer span.End()

	r, err := s.transition(ctx, id, models.ReservationCancelled, reason,
		models.ReservationPending, models.ReservationConfirmed)
	return r, util.RecordError(span, err)
}

func (s *ReservationService) MarkConfirmed(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.MarkConfirmed")
	defer span.End()

	r, err := s.transition(ctx, id, models.ReservationConfirmed, "", models.ReservationPending)
	return r, util.RecordError(span, err)
}

func (s *ReservationService) MarkActive(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.MarkActive")
	defer span.End()

	r, err := s.transition(ctx, id, models.ReservationActive, "", models.ReservationConfirmed)
	return r, util.RecordError(span, err)
}

func (s *ReservationService) MarkCompleted(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.MarkCompleted")
	defer span.End()

	r, err := s.transition(ctx, id, models.ReservationCompleted, "", models.ReservationActive)
	return r, util.RecordError(span, err)
}

// SettleFunc runs under the reservation lock once the reservation has been
// checked against the payment being settled.
type SettleFunc func(ctx context.Context, r *models.Reservation) error

// Settle reconciles a payment of amount onto reservation id. fn records the
// payment outcome; when it succeeds a pending reservation becomes confirmed.
// A cancelled or completed reservation, or one whose total no longer equals
// amount, yields Conflict and fn is not called.
func (s *ReservationService) Settle(ctx context.Context, id string, amount int64, fn SettleFunc) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Settle")
	defer span.End()

	r, err := s.settle(ctx, id, amount, fn)
	return r, util.RecordError(span, err)
}

func (s *ReservationService) settle(ctx context.Context, id string, amount int64, fn SettleFunc) (*models.Reservation, error) {
	unlock, err := acquire(ctx, s.locker, lock.ReservationKey(id), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, storeError(err, "reservation", id)
	}

	switch {
	case r.Status == models.ReservationCancelled || r.Status == models.ReservationCompleted:
		return nil, apperr.Conflict("reservation %s is %s, payment cannot be applied", id, r.Status)
	case r.TotalAmount != amount:
		return nil, apperr.Conflict("reservation %s now totals %s but the payment is for %s",
			id, pricing.FormatAmount(r.TotalAmount), pricing.FormatAmount(amount))
	}

	if fn != nil {
		if err := fn(ctx, r); err != nil {
			return nil, err
		}
	}

	if r.Status == models.ReservationPending {
		if err := s.apply(ctx, r, models.ReservationConfirmed, "payment settled"); err != nil {
			s.logger.Error("Payment settled but reservation could not be confirmed",
				zap.String("reservation_id", id),
				zap.Error(err))
			return nil, err
		}
	}
	return r, nil
}

// Get retrieves a reservation by ID
func (s *ReservationService) Get(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.Get")
	defer span.End()

	r, err := s.repo.GetReservation(ctx, id)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "reservation", id))
	}
	return r, nil
}

// ListByVehicle retrieves a vehicle's reservations ordered by pickup
func (s *ReservationService) ListByVehicle(ctx context.Context, vehicleID string) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ListByVehicle")
	defer span.End()

	out, err := s.repo.ListReservationsByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "vehicle", vehicleID))
	}
	return out, nil
}

// ListByCustomer retrieves a customer's reservations, newest first
func (s *ReservationService) ListByCustomer(ctx context.Context, customerID string) ([]models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "ReservationService.ListByCustomer")
	defer span.End()

	out, err := s.repo.ListReservationsByCustomer(ctx, customerID)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "customer", customerID))
	}
	return out, nil
}

func (s *ReservationService) publish(ctx context.Context, r *models.Reservation, eventType, reason string) {
	if s.events == nil || eventType == "" {
		return
	}

	event := &models.ReservationEvent{
		BaseEvent:     broker.NewBaseEvent(eventType),
		ReservationID: r.ID,
		VehicleID:     r.VehicleID,
		CustomerID:    r.CustomerID,
		PickupAt:      r.PickupAt,
		ReturnAt:      r.ReturnAt,
		TotalAmount:   r.TotalAmount,
		Status:        r.Status,
		Reason:        reason,
	}

	if err := s.events.PublishReservationEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish reservation event",
			zap.String("event_type", eventType),
			zap.String("reservation_id", r.ID),
			zap.Error(err))
	}
}
