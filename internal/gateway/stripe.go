package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/util"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"
)

// Stripe drives card payments through the PaymentIntents API. The client
// confirms the intent with the returned client secret and the server
// verifies the outcome in Confirm.
type Stripe struct {
	api      *client.API
	simulate bool
	logger   *zap.Logger
}

// NewStripe builds the adapter. BaseURL overrides the API host and
// httpClient may be nil.
func NewStripe(cfg StripeConfig, testMode bool, httpClient *http.Client) *Stripe {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Stripe{
		api:      api,
		simulate: testMode || IsPlaceholder(cfg.SecretKey),
		logger:   util.GetLogger(),
	}
}

func (s *Stripe) Provider() models.PaymentProvider { return models.ProviderStripe }

func (s *Stripe) Supports(method models.PaymentMethod) bool { return method.IsCard() }

func (s *Stripe) Simulated() bool { return s.simulate }

func (s *Stripe) fail(ctx context.Context, op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode != 0 {
		return providerError(ctx, models.ProviderStripe, op, se.HTTPStatusCode, se.Msg, err)
	}
	return providerError(ctx, models.ProviderStripe, op, 0, "", err)
}

func (s *Stripe) Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error) {
	if !s.Supports(req.Method) {
		return nil, apperr.InvalidInput("stripe does not accept method %q", req.Method)
	}

	if s.simulate {
		id := simulatedID("pi", req.PaymentID)
		s.logger.Debug("Simulated stripe payment intent",
			zap.String("payment_id", req.PaymentID),
			zap.String("transaction_id", id))
		return &Initiation{TransactionID: id, ClientSecret: id + "_secret_" + simulatedID("cs", req.PaymentID)[8:]}, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.PaymentID)
	params.AddMetadata("payment_id", req.PaymentID)
	params.AddMetadata("reservation_id", req.ReservationID)
	params.AddMetadata("customer_id", req.CustomerID)

	intent, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, s.fail(ctx, "create intent", err)
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, apperr.New(apperr.KindProviderUnavailable, "stripe create intent: response without id or client secret")
	}
	return &Initiation{TransactionID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// Confirm verifies that the intent the client confirmed has settled.
func (s *Stripe) Confirm(ctx context.Context, req ConfirmRequest) (*Settlement, error) {
	if s.simulate {
		return &Settlement{TransactionID: req.TransactionID, SettlementID: simulatedID("ch", req.PaymentID)}, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := s.api.PaymentIntents.Get(req.TransactionID, params)
	if err != nil {
		return nil, s.fail(ctx, "retrieve intent", err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		settled := &Settlement{TransactionID: intent.ID}
		if intent.LatestCharge != nil {
			settled.SettlementID = intent.LatestCharge.ID
		}
		return settled, nil
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return nil, apperr.New(apperr.KindProviderRejected, "stripe intent %s is %s", intent.ID, intent.Status)
	default:
		return nil, apperr.New(apperr.KindProviderUnavailable, "stripe intent %s not settled yet (%s)", intent.ID, intent.Status)
	}
}

func (s *Stripe) Capture(ctx context.Context, req CaptureRequest) (*Settlement, error) {
	return nil, ErrUnsupported
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if s.simulate {
		return &RefundResult{RefundID: simulatedID("re", req.PaymentID)}, nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.TransactionID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + req.PaymentID)
	params.AddMetadata("payment_id", req.PaymentID)

	refund, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, s.fail(ctx, "refund", err)
	}
	if refund.Status == stripe.RefundStatusFailed || refund.Status == stripe.RefundStatusCanceled {
		return nil, apperr.New(apperr.KindProviderRejected, "stripe refund %s is %s", refund.ID, refund.Status)
	}
	return &RefundResult{RefundID: refund.ID}, nil
}
