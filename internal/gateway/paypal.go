package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"rental-service/internal/apperr"
	"rental-service/internal/models"
	"rental-service/internal/pricing"
	"rental-service/internal/util"

	"github.com/plutov/paypal/v4"
	"go.uber.org/zap"
)

const simulatedApprovalBase = "https://www.sandbox.paypal.com/checkoutnow?token="

// PayPal drives redirect-wallet payments through the Orders v2 API. The
// customer approves the order at ApprovalURL and Capture collects it. The
// SDK client caches and refreshes the OAuth token.
type PayPal struct {
	cfg      PayPalConfig
	client   *paypal.Client
	initErr  error
	simulate bool
	logger   *zap.Logger
}

// NewPayPal builds the adapter. BaseURL defaults to the sandbox and
// httpClient may be nil.
func NewPayPal(cfg PayPalConfig, testMode bool, httpClient *http.Client) *PayPal {
	if cfg.BaseURL == "" {
		cfg.BaseURL = paypal.APIBaseSandBox
	}
	p := &PayPal{
		cfg:      cfg,
		simulate: testMode || IsPlaceholder(cfg.ClientID) || IsPlaceholder(cfg.ClientSecret),
		logger:   util.GetLogger(),
	}
	if p.simulate {
		return p
	}

	p.client, p.initErr = paypal.NewClient(cfg.ClientID, cfg.ClientSecret, strings.TrimRight(cfg.BaseURL, "/"))
	if p.initErr != nil {
		p.logger.Error("Failed to create paypal client", zap.Error(p.initErr))
		return p
	}
	if httpClient != nil {
		p.client.SetHTTPClient(httpClient)
	}
	return p
}

func (p *PayPal) Provider() models.PaymentProvider { return models.ProviderPayPal }

func (p *PayPal) Supports(method models.PaymentMethod) bool { return method == models.MethodPayPal }

func (p *PayPal) Simulated() bool { return p.simulate }

func (p *PayPal) ready() error {
	if p.initErr != nil {
		return apperr.Wrap(apperr.KindProviderUnavailable, p.initErr, "paypal client is not configured")
	}
	return nil
}

func (p *PayPal) fail(ctx context.Context, op string, err error) error {
	var pe *paypal.ErrorResponse
	if errors.As(err, &pe) && pe.Response != nil {
		msg := pe.Message
		if msg == "" {
			msg = pe.Name
		}
		return providerError(ctx, models.ProviderPayPal, op, pe.Response.StatusCode, msg, err)
	}
	return providerError(ctx, models.ProviderPayPal, op, 0, "", err)
}

func approvalURL(links []paypal.Link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

func (p *PayPal) Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error) {
	if !p.Supports(req.Method) {
		return nil, apperr.InvalidInput("paypal does not accept method %q", req.Method)
	}

	if p.simulate {
		id := simulatedUpperID("PAYID", req.PaymentID)
		p.logger.Debug("Simulated paypal order",
			zap.String("payment_id", req.PaymentID),
			zap.String("transaction_id", id))
		return &Initiation{TransactionID: id, ApprovalURL: simulatedApprovalBase + id}, nil
	}
	if err := p.ready(); err != nil {
		return nil, err
	}

	units := []paypal.PurchaseUnitRequest{{
		ReferenceID: req.ReservationID,
		CustomID:    req.PaymentID,
		Description: req.Description,
		Amount: &paypal.PurchaseUnitAmount{
			Currency: strings.ToUpper(req.Currency),
			Value:    pricing.FormatAmount(req.Amount),
		},
	}}
	appCtx := &paypal.ApplicationContext{ReturnURL: p.cfg.ReturnURL, CancelURL: p.cfg.CancelURL}

	order, err := p.client.CreateOrder(ctx, paypal.OrderIntentCapture, units, nil, appCtx)
	if err != nil {
		return nil, p.fail(ctx, "create order", err)
	}

	approval := approvalURL(order.Links)
	if order.ID == "" || approval == "" {
		return nil, apperr.New(apperr.KindProviderUnavailable, "paypal create order: response without id or approval link")
	}
	return &Initiation{TransactionID: order.ID, ApprovalURL: approval}, nil
}

func (p *PayPal) Confirm(ctx context.Context, req ConfirmRequest) (*Settlement, error) {
	return nil, ErrUnsupported
}

// Capture collects an order the payer approved.
func (p *PayPal) Capture(ctx context.Context, req CaptureRequest) (*Settlement, error) {
	if p.simulate {
		return &Settlement{
			TransactionID:  req.TransactionID,
			SettlementID:   simulatedUpperID("CAP", req.PaymentID),
			PayerReference: req.PayerReference,
		}, nil
	}
	if err := p.ready(); err != nil {
		return nil, err
	}

	captured, err := p.client.CaptureOrder(ctx, req.TransactionID, paypal.CaptureOrderRequest{})
	if err != nil {
		return nil, p.fail(ctx, "capture order", err)
	}

	if captured.Status != "COMPLETED" {
		return nil, apperr.New(apperr.KindProviderRejected, "paypal order %s is %s", captured.ID, captured.Status)
	}
	if captured.Payer != nil && captured.Payer.PayerID != "" && captured.Payer.PayerID != req.PayerReference {
		return nil, apperr.New(apperr.KindProviderRejected, "paypal order %s was approved by a different payer", captured.ID)
	}

	var captureID string
	for _, pu := range captured.PurchaseUnits {
		if pu.Payments == nil {
			continue
		}
		for _, c := range pu.Payments.Captures {
			if captureID == "" && c.ID != "" {
				captureID = c.ID
			}
		}
	}
	return &Settlement{TransactionID: captured.ID, SettlementID: captureID, PayerReference: req.PayerReference}, nil
}

func (p *PayPal) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if p.simulate {
		return &RefundResult{RefundID: simulatedUpperID("REF", req.PaymentID)}, nil
	}
	if err := p.ready(); err != nil {
		return nil, err
	}
	if req.SettlementID == "" {
		return nil, apperr.InvalidState("paypal payment %s has no capture to refund", req.PaymentID)
	}

	refund, err := p.client.RefundCapture(ctx, req.SettlementID, paypal.RefundCaptureRequest{
		Amount: &paypal.Money{Currency: strings.ToUpper(req.Currency), Value: pricing.FormatAmount(req.Amount)},
	})
	if err != nil {
		return nil, p.fail(ctx, "refund", err)
	}
	if refund.Status == "CANCELLED" || refund.Status == "FAILED" {
		return nil, apperr.New(apperr.KindProviderRejected, "paypal refund %s is %s", refund.ID, refund.Status)
	}
	return &RefundResult{RefundID: refund.ID}, nil
}
