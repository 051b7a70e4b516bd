package store

import (
	"context"

	"rental-service/internal/models"
)

const vehicleColumns = `id, make, model, year, license_plate, daily_rate, is_available, created_at, updated_at`

// GetVehicle retrieves a vehicle by ID
func (s *Store) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	var v models.Vehicle
	err := s.db.GetContext(ctx, &v, "SELECT "+vehicleColumns+" FROM vehicles WHERE id = $1", id)
	if err != nil {
		return nil, mapError(err)
	}
	return &v, nil
}

// ListVehicles retrieves all vehicles
func (s *Store) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	vehicles := []models.Vehicle{}
	err := s.db.SelectContext(ctx, &vehicles, "SELECT "+vehicleColumns+" FROM vehicles ORDER BY id")
	return vehicles, mapError(err)
}

// UpsertVehicle inserts a vehicle or replaces its catalog fields
func (s *Store) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	query := `
		INSERT INTO vehicles (id, make, model, year, license_plate, daily_rate, is_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			make = EXCLUDED.make,
			model = EXCLUDED.model,
			year = EXCLUDED.year,
			license_plate = EXCLUDED.license_plate,
			daily_rate = EXCLUDED.daily_rate,
			is_available = EXCLUDED.is_available,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	row := s.db.QueryRowxContext(ctx, query,
		v.ID, v.Make, v.Model, v.Year, v.LicensePlate, v.DailyRate, v.IsAvailable)
	return mapError(row.Scan(&v.CreatedAt, &v.UpdatedAt))
}
