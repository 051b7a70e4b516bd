package store

import (
	"context"
	"database/sql"

	"rental-service/internal/models"
)

const paymentColumns = `id, reservation_id, customer_id, amount, currency, method, provider, transaction_id,
	payer_reference, refunded_amount, status, description, metadata, version, created_at, updated_at`

// InsertPayment persists a new payment. A second live payment for the same
// reservation yields ErrDuplicate.
func (s *Store) InsertPayment(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (id, reservation_id, customer_id, amount, currency, method, provider,
			transaction_id, payer_reference, refunded_amount, status, description, metadata, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.ReservationID, p.CustomerID, p.Amount, p.Currency, p.Method, p.Provider,
		p.TransactionID, p.PayerReference, p.RefundedAmount, p.Status, p.Description, p.Metadata, p.Version,
		p.CreatedAt, p.UpdatedAt)
	return mapError(err)
}

// GetPayment retrieves a payment by ID
func (s *Store) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.GetContext(ctx, &p, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", id)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}

// ListPaymentsByReservation retrieves all attempts for a reservation, oldest first
func (s *Store) ListPaymentsByReservation(ctx context.Context, reservationID string) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE reservation_id = $1 ORDER BY created_at", reservationID)
	return payments, mapError(err)
}

// ListPaymentsByCustomer retrieves a customer's payments, newest first
func (s *Store) ListPaymentsByCustomer(ctx context.Context, customerID string) ([]models.Payment, error) {
	payments := []models.Payment{}
	err := s.db.SelectContext(ctx, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE customer_id = $1 ORDER BY created_at DESC", customerID)
	return payments, mapError(err)
}

// UpdatePayment writes p if the stored version still equals p.Version,
// then bumps p.Version.
func (s *Store) UpdatePayment(ctx context.Context, p *models.Payment) error {
	query := `
		UPDATE payments SET
			transaction_id = $1, payer_reference = $2, refunded_amount = $3, status = $4,
			metadata = $5, updated_at = $6, version = version + 1
		WHERE id = $7 AND version = $8`

	res, err := s.db.ExecContext(ctx, query,
		p.TransactionID, p.PayerReference, p.RefundedAmount, p.Status,
		p.Metadata, p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return mapError(err)
	}
	if err := checkVersioned(res); err != nil {
		return err
	}
	p.Version++
	return nil
}

func checkVersioned(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}
