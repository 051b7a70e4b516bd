package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Vehicle represents a rentable vehicle in the catalog
type Vehicle struct {
	ID           string    `db:"id" json:"id"`
	Make         string    `db:"make" json:"make"`
	Model        string    `db:"model" json:"model"`
	Year         int       `db:"year" json:"year"`
	LicensePlate string    `db:"license_plate" json:"license_plate"`
	DailyRate    int64     `db:"daily_rate" json:"daily_rate"`
	IsAvailable  bool      `db:"is_available" json:"is_available"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

type ReservationStatus string

// Reservation statuses
const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCompleted || s == ReservationCancelled
}

// Blocks reports whether a reservation in this status occupies its vehicle.
func (s ReservationStatus) Blocks() bool {
	return s != ReservationCancelled
}

// Reservation represents a customer's booking of a vehicle for [PickupAt, ReturnAt)
type Reservation struct {
	ID             string            `db:"id" json:"id"`
	VehicleID      string            `db:"vehicle_id" json:"vehicle_id"`
	CustomerID     string            `db:"customer_id" json:"customer_id"`
	PickupAt       time.Time         `db:"pickup_at" json:"pickup_at"`
	ReturnAt       time.Time         `db:"return_at" json:"return_at"`
	TotalDays      int               `db:"total_days" json:"total_days"`
	DailyRate      int64             `db:"daily_rate" json:"daily_rate"`
	TotalAmount    int64             `db:"total_amount" json:"total_amount"`
	Status         ReservationStatus `db:"status" json:"status"`
	PickupLocation string            `db:"pickup_location" json:"pickup_location"`
	ReturnLocation string            `db:"return_location" json:"return_location"`
	Notes          string            `db:"notes" json:"notes,omitempty"`
	IdempotencyKey string            `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Version        int64             `db:"version" json:"version"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

type PaymentStatus string

// Payment statuses
const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
	PaymentRefunded   PaymentStatus = "refunded"
)

// InFlight reports whether the payment may still settle.
func (s PaymentStatus) InFlight() bool {
	return s == PaymentPending || s == PaymentProcessing
}

// Live reports whether the payment counts against the one-payment-per-reservation rule.
func (s PaymentStatus) Live() bool {
	return s != PaymentFailed && s != PaymentCancelled
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(s); st {
	case PaymentPending, PaymentProcessing, PaymentSucceeded, PaymentFailed, PaymentCancelled, PaymentRefunded:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

type PaymentMethod string

const (
	MethodCreditCard   PaymentMethod = "credit_card"
	MethodDebitCard    PaymentMethod = "debit_card"
	MethodPayPal       PaymentMethod = "paypal"
	MethodBankTransfer PaymentMethod = "bank_transfer"
)

// IsCard reports whether the method goes through a card network.
func (m PaymentMethod) IsCard() bool {
	return m == MethodCreditCard || m == MethodDebitCard
}

func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case MethodCreditCard, MethodDebitCard, MethodPayPal, MethodBankTransfer:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

type PaymentProvider string

const (
	ProviderStripe PaymentProvider = "stripe"
	ProviderPayPal PaymentProvider = "paypal"
)

func ParsePaymentProvider(s string) (PaymentProvider, error) {
	switch p := PaymentProvider(s); p {
	case ProviderStripe, ProviderPayPal:
		return p, nil
	}
	return "", fmt.Errorf("unknown payment provider %q", s)
}

// Metadata is stored as JSONB.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	*m = out
	return nil
}

// Metadata keys written by the orchestrator
const (
	MetaClientSecret = "client_secret"
	MetaApprovalURL  = "approval_url"
	MetaCardBrand    = "card_brand"
	MetaCardLast4    = "card_last4"
	MetaFailure      = "failure_reason"
	MetaRefundID     = "refund_id"
	MetaOverride     = "status_override"
	MetaSettlementID = "settlement_id"
)

// Payment represents one attempt to collect a reservation's total through a provider
type Payment struct {
	ID             string          `db:"id" json:"id"`
	ReservationID  string          `db:"reservation_id" json:"reservation_id"`
	CustomerID     string          `db:"customer_id" json:"customer_id"`
	Amount         int64           `db:"amount" json:"amount"`
	Currency       string          `db:"currency" json:"currency"`
	Method         PaymentMethod   `db:"method" json:"method"`
	Provider       PaymentProvider `db:"provider" json:"provider"`
	TransactionID  string          `db:"transaction_id" json:"transaction_id,omitempty"`
	PayerReference string          `db:"payer_reference" json:"payer_reference,omitempty"`
	RefundedAmount int64           `db:"refunded_amount" json:"refunded_amount"`
	Status         PaymentStatus   `db:"status" json:"status"`
	Description    string          `db:"description" json:"description,omitempty"`
	Metadata       Metadata        `db:"metadata" json:"metadata,omitempty"`
	Version        int64           `db:"version" json:"version"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Clone returns a copy that does not share Metadata with p.
func (p *Payment) Clone() *Payment {
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(Metadata, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SetMeta sets a metadata key, allocating the map on first use.
func (p *Payment) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	p.Metadata[key] = value
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
