package models

import "time"

// Event types
const (
	EventTypeReservationCreated     = "RESERVATION_CREATED"
	EventTypeReservationRescheduled = "RESERVATION_RESCHEDULED"
	EventTypeReservationConfirmed   = "RESERVATION_CONFIRMED"
	EventTypeReservationActivated   = "RESERVATION_ACTIVATED"
	EventTypeReservationCompleted   = "RESERVATION_COMPLETED"
	EventTypeReservationCancelled   = "RESERVATION_CANCELLED"
	EventTypePaymentInitiated       = "PAYMENT_INITIATED"
	EventTypePaymentSucceeded       = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed          = "PAYMENT_FAILED"
	EventTypePaymentRefunded        = "PAYMENT_REFUNDED"
	EventTypePaymentCancelled       = "PAYMENT_CANCELLED"

	// Inbound notifications relayed from provider webhooks
	EventTypeProviderPaymentSucceeded = "PROVIDER_PAYMENT_SUCCEEDED"
	EventTypeProviderPaymentFailed    = "PROVIDER_PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// ReservationEvent is published on every reservation transition
type ReservationEvent struct {
	BaseEvent
	ReservationID string            `json:"reservation_id"`
	VehicleID     string            `json:"vehicle_id"`
	CustomerID    string            `json:"customer_id"`
	PickupAt      time.Time         `json:"pickup_at"`
	ReturnAt      time.Time         `json:"return_at"`
	TotalAmount   int64             `json:"total_amount"`
	Status        ReservationStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
}

// PaymentEvent is published on every payment transition
type PaymentEvent struct {
	BaseEvent
	PaymentID     string          `json:"payment_id"`
	ReservationID string          `json:"reservation_id"`
	CustomerID    string          `json:"customer_id"`
	Provider      PaymentProvider `json:"provider"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Status        PaymentStatus   `json:"status"`
	Reason        string          `json:"reason,omitempty"`
}

// ProviderNotification is what the webhook relay puts on the notifications topic
type ProviderNotification struct {
	BaseEvent
	PaymentID      string          `json:"payment_id"`
	Provider       PaymentProvider `json:"provider"`
	TransactionID  string          `json:"transaction_id"`
	PayerReference string          `json:"payer_reference,omitempty"`
	Reason         string          `json:"reason,omitempty"`
}
