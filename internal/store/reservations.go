package store

import (
	"context"

	"rental-service/internal/models"
)

const reservationColumns = `id, vehicle_id, customer_id, pickup_at, return_at, total_days, daily_rate,
	total_amount, status, pickup_location, return_location, notes,
	COALESCE(idempotency_key, '') AS idempotency_key, version, created_at, updated_at`

// InsertReservation persists a new reservation. An overlap with another
// non-cancelled reservation on the vehicle yields ErrOverlap.
func (s *Store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		INSERT INTO reservations (id, vehicle_id, customer_id, pickup_at, return_at, total_days, daily_rate,
			total_amount, status, pickup_location, return_location, notes, idempotency_key, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.VehicleID, r.CustomerID, r.PickupAt, r.ReturnAt, r.TotalDays, r.DailyRate,
		r.TotalAmount, r.Status, r.PickupLocation, r.ReturnLocation, r.Notes, r.IdempotencyKey, r.Version,
		r.CreatedAt, r.UpdatedAt)
	return mapError(err)
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r, "SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

// GetReservationByIdempotencyKey retrieves a reservation by idempotency key
func (s *Store) GetReservationByIdempotencyKey(ctx context.Context, key string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.GetContext(ctx, &r,
		"SELECT "+reservationColumns+" FROM reservations WHERE idempotency_key = $1", key)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

// ListReservationsByVehicle retrieves a vehicle's reservations ordered by pickup
func (s *Store) ListReservationsByVehicle(ctx context.Context, vehicleID string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT "+reservationColumns+" FROM reservations WHERE vehicle_id = $1 ORDER BY pickup_at", vehicleID)
	return reservations, mapError(err)
}

// ListReservationsByCustomer retrieves a customer's reservations, newest first
func (s *Store) ListReservationsByCustomer(ctx context.Context, customerID string) ([]models.Reservation, error) {
	reservations := []models.Reservation{}
	err := s.db.SelectContext(ctx, &reservations,
		"SELECT "+reservationColumns+" FROM reservations WHERE customer_id = $1 ORDER BY created_at DESC", customerID)
	return reservations, mapError(err)
}

// UpdateReservation writes r if the stored version still equals r.Version,
// then bumps r.Version.
func (s *Store) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	query := `
		UPDATE reservations SET
			pickup_at = $1, return_at = $2, total_days = $3, total_amount = $4, status = $5,
			pickup_location = $6, return_location = $7, notes = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`

	res, err := s.db.ExecContext(ctx, query,
		r.PickupAt, r.ReturnAt, r.TotalDays, r.TotalAmount, r.Status,
		r.PickupLocation, r.ReturnLocation, r.Notes, r.UpdatedAt, r.ID, r.Version)
	if err != nil {
		return mapError(err)
	}
	if err := checkVersioned(res); err != nil {
		return err
	}
	r.Version++
	return nil
}
