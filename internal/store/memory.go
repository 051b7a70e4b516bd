package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/pricing"
)

// Memory is an in-process store with the same contract as Store, including
// the overlap and one-live-payment constraints. Used by tests and local runs
// without Postgres.
type Memory struct {
	mu           sync.RWMutex
	vehicles     map[string]models.Vehicle
	reservations map[string]models.Reservation
	payments     map[string]*models.Payment
	idempotency  map[string]string
	events       map[string]models.ProcessedEvent
}

func NewMemory() *Memory {
	return &Memory{
		vehicles:     make(map[string]models.Vehicle),
		reservations: make(map[string]models.Reservation),
		payments:     make(map[string]*models.Payment),
		idempotency:  make(map[string]string),
		events:       make(map[string]models.ProcessedEvent),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *Memory) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertVehicle(ctx context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.vehicles[v.ID]; ok {
		v.CreatedAt = existing.CreatedAt
	} else {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	m.vehicles[v.ID] = *v
	return nil
}

// overlapsLocked reports whether r collides with another blocking
// reservation on the same vehicle. Callers hold m.mu.
func (m *Memory) overlapsLocked(r *models.Reservation) bool {
	if !r.Status.Blocks() {
		return false
	}
	candidate := pricing.Range{Pickup: r.PickupAt, Return: r.ReturnAt}
	for id, other := range m.reservations {
		if id == r.ID || other.VehicleID != r.VehicleID || !other.Status.Blocks() {
			continue
		}
		if candidate.Overlaps(pricing.Range{Pickup: other.PickupAt, Return: other.ReturnAt}) {
			return true
		}
	}
	return false
}

func (m *Memory) InsertReservation(ctx context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.ID]; ok {
		return ErrDuplicate
	}
	if r.IdempotencyKey != "" {
		if _, ok := m.idempotency[r.IdempotencyKey]; ok {
			return ErrDuplicate
		}
	}
	if m.overlapsLocked(r) {
		return ErrOverlap
	}

	m.reservations[r.ID] = *r
	if r.IdempotencyKey != "" {
		m.idempotency[r.IdempotencyKey] = r.ID
	}
	return nil
}

func (m *Memory) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *Memory) GetReservationByIdempotencyKey(ctx context.Context, key string) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	r := m.reservations[id]
	return &r, nil
}

func (m *Memory) ListReservationsByVehicle(ctx context.Context, vehicleID string) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Reservation{}
	for _, r := range m.reservations {
		if r.VehicleID == vehicleID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PickupAt.Before(out[j].PickupAt) })
	return out, nil
}

func (m *Memory) ListReservationsByCustomer(ctx context.Context, customerID string) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Reservation{}
	for _, r := range m.reservations {
		if r.CustomerID == customerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.reservations[r.ID]
	if !ok || current.Version != r.Version {
		return ErrVersionConflict
	}
	if m.overlapsLocked(r) {
		return ErrOverlap
	}

	next := current
	next.PickupAt = r.PickupAt
	next.ReturnAt = r.ReturnAt
	next.TotalDays = r.TotalDays
	next.TotalAmount = r.TotalAmount
	next.Status = r.Status
	next.PickupLocation = r.PickupLocation
	next.ReturnLocation = r.ReturnLocation
	next.Notes = r.Notes
	next.UpdatedAt = r.UpdatedAt
	next.Version++

	m.reservations[r.ID] = next
	r.Version = next.Version
	return nil
}

func (m *Memory) InsertPayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[p.ID]; ok {
		return ErrDuplicate
	}
	if p.Status.Live() {
		for _, other := range m.payments {
			if other.ReservationID == p.ReservationID && other.Status.Live() {
				return ErrDuplicate
			}
		}
	}

	m.payments[p.ID] = p.Clone()
	return nil
}

func (m *Memory) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) listPayments(match func(*models.Payment) bool, newestFirst bool) []models.Payment {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.Payment{}
	for _, p := range m.payments {
		if match(p) {
			out = append(out, *p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) ListPaymentsByReservation(ctx context.Context, reservationID string) ([]models.Payment, error) {
	return m.listPayments(func(p *models.Payment) bool { return p.ReservationID == reservationID }, false), nil
}

func (m *Memory) ListPaymentsByCustomer(ctx context.Context, customerID string) ([]models.Payment, error) {
	return m.listPayments(func(p *models.Payment) bool { return p.CustomerID == customerID }, true), nil
}

func (m *Memory) UpdatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.payments[p.ID]
	if !ok || current.Version != p.Version {
		return ErrVersionConflict
	}
	if p.Status.Live() && !current.Status.Live() {
		for id, other := range m.payments {
			if id != p.ID && other.ReservationID == p.ReservationID && other.Status.Live() {
				return ErrDuplicate
			}
		}
	}

	next := current.Clone()
	next.TransactionID = p.TransactionID
	next.PayerReference = p.PayerReference
	next.RefundedAmount = p.RefundedAmount
	next.Status = p.Status
	next.Metadata = p.Clone().Metadata
	next.UpdatedAt = p.UpdatedAt
	next.Version++

	m.payments[p.ID] = next
	p.Version = next.Version
	return nil
}

func (m *Memory) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.events[eventID]
	return ok, nil
}

func (m *Memory) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[eventID]; !ok {
		m.events[eventID] = models.ProcessedEvent{EventID: eventID, EventType: eventType, ProcessedAt: time.Now().UTC()}
	}
	return nil
}
