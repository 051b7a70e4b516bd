// Package gateway talks to external payment providers. Every provider is
// reached through the Gateway interface and selected from a Registry, and
// each one can answer with deterministic simulated results instead of
// calling the network.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
)

// ErrUnsupported is returned for a step the provider's flow does not have,
// e.g. Capture on a card gateway.
var ErrUnsupported = errors.New("operation not supported by provider")

type InitiateRequest struct {
	PaymentID     string
	ReservationID string
	CustomerID    string
	Amount        int64
	Currency      string
	Method        models.PaymentMethod
	Description   string
}

// Initiation is the provider's acceptance of a new payment. Exactly one
// continuation field is set depending on the flow.
type Initiation struct {
	TransactionID string
	ClientSecret  string
	ApprovalURL   string
}

type ConfirmRequest struct {
	PaymentID     string
	TransactionID string
}

type CaptureRequest struct {
	PaymentID      string
	TransactionID  string
	PayerReference string
}

// Settlement describes money that moved. SettlementID is what a later
// refund must reference when it differs from TransactionID.
type Settlement struct {
	TransactionID  string
	SettlementID   string
	PayerReference string
}

type RefundRequest struct {
	PaymentID     string
	TransactionID string
	SettlementID  string
	Amount        int64
	Currency      string
}

type RefundResult struct {
	RefundID string
}

type Gateway interface {
	Provider() models.PaymentProvider
	Supports(method models.PaymentMethod) bool
	Simulated() bool
	Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error)
	Confirm(ctx context.Context, req ConfirmRequest) (*Settlement, error)
	Capture(ctx context.Context, req CaptureRequest) (*Settlement, error)
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// Registry is the single place providers are looked up.
type Registry struct {
	gateways map[models.PaymentProvider]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentProvider]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Provider()] = g
	}
	return r
}

func (r *Registry) Get(provider models.PaymentProvider) (Gateway, error) {
	g, ok := r.gateways[provider]
	if !ok {
		return nil, apperr.InvalidInput("payment provider %q is not configured", provider)
	}
	return g, nil
}

// ForMethod returns the first provider, by name, that accepts method.
func (r *Registry) ForMethod(method models.PaymentMethod) (Gateway, error) {
	for _, p := range r.Providers() {
		if g := r.gateways[p]; g.Supports(method) {
			return g, nil
		}
	}
	return nil, apperr.InvalidInput("no payment provider accepts method %q", method)
}

func (r *Registry) Providers() []models.PaymentProvider {
	out := make([]models.PaymentProvider, 0, len(r.gateways))
	for p := range r.gateways {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type StripeConfig struct {
	SecretKey string
	BaseURL   string
}

type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	ReturnURL    string
	CancelURL    string
}

type Config struct {
	TestMode bool
	Stripe   StripeConfig
	PayPal   PayPalConfig
	Timeout  time.Duration
}

// NewRegistryFromConfig builds every known provider from cfg.
func NewRegistryFromConfig(cfg Config) *Registry {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	return NewRegistry(
		NewStripe(cfg.Stripe, cfg.TestMode, client),
		NewPayPal(cfg.PayPal, cfg.TestMode, client),
	)
}
