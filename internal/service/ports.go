package service

import (
	"context"
	"time"

	"rental-service/internal/models"
)

// VehicleStore is the catalog's system of record.
type VehicleStore interface {
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	ListVehicles(ctx context.Context) ([]models.Vehicle, error)
	UpsertVehicle(ctx context.Context, v *models.Vehicle) error
}

// VehicleCache is an optional read-through cache in front of VehicleStore.
type VehicleCache interface {
	GetCachedVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	CacheVehicle(ctx context.Context, v *models.Vehicle, ttl time.Duration) error
	InvalidateVehicle(ctx context.Context, id string) error
}

// VehicleLookup is all the reservation path needs from the catalog.
type VehicleLookup interface {
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	ListVehicles(ctx context.Context) ([]models.Vehicle, error)
}

type ReservationRepository interface {
	InsertReservation(ctx context.Context, r *models.Reservation) error
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	GetReservationByIdempotencyKey(ctx context.Context, key string) (*models.Reservation, error)
	ListReservationsByVehicle(ctx context.Context, vehicleID string) ([]models.Reservation, error)
	ListReservationsByCustomer(ctx context.Context, customerID string) ([]models.Reservation, error)
	UpdateReservation(ctx context.Context, r *models.Reservation) error
}

type PaymentRepository interface {
	InsertPayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	ListPaymentsByReservation(ctx context.Context, reservationID string) ([]models.Payment, error)
	ListPaymentsByCustomer(ctx context.Context, customerID string) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
}

type EventPublisher interface {
	PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}
