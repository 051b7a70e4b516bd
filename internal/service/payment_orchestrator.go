package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rental-service/internal/apperr"
	"rental-service/internal/broker"
	"rental-service/internal/card"
	"rental-service/internal/gateway"
	"rental-service/internal/lock"
	"rental-service/internal/models"
	"rental-service/internal/pricing"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReservationSettler is the part of ReservationService the orchestrator uses.
type ReservationSettler interface {
	Get(ctx context.Context, id string) (*models.Reservation, error)
	Settle(ctx context.Context, id string, amount int64, fn SettleFunc) (*models.Reservation, error)
}

type PaymentSettings struct {
	Currency       string
	PaymentTimeout time.Duration
	LockTimeout    time.Duration
}

// PaymentOrchestrator drives payments through their providers and
// reconciles the outcome onto reservations
type PaymentOrchestrator struct {
	payments     PaymentRepository
	reservations ReservationSettler
	gateways     *gateway.Registry
	locker       lock.Locker
	events       EventPublisher
	settings     PaymentSettings
	now          func() time.Time
	logger       *zap.Logger
}

// NewPaymentOrchestrator creates a new payment orchestrator
func NewPaymentOrchestrator(
	payments PaymentRepository,
	reservations ReservationSettler,
	gateways *gateway.Registry,
	locker lock.Locker,
	events EventPublisher,
	settings PaymentSettings,
) *PaymentOrchestrator {
	if settings.Currency == "" {
		settings.Currency = "USD"
	}
	if settings.PaymentTimeout <= 0 {
		settings.PaymentTimeout = 30 * time.Second
	}
	if settings.LockTimeout <= 0 {
		settings.LockTimeout = defaultLockTimeout
	}
	return &PaymentOrchestrator{
		payments:     payments,
		reservations: reservations,
		gateways:     gateways,
		locker:       locker,
		events:       events,
		settings:     settings,
		now:          time.Now,
		logger:       util.GetLogger(),
	}
}

func (o *PaymentOrchestrator) SetClock(now func() time.Time) { o.now = now }

// InitiatePaymentRequest starts a payment for a reservation
type InitiatePaymentRequest struct {
	ReservationID string        `json:"reservation_id" binding:"required"`
	Provider      string        `json:"provider,omitempty"`
	Method        string        `json:"method" binding:"required"`
	Description   string        `json:"description,omitempty"`
	Card          *card.Details `json:"card,omitempty"`
}

// providerCall runs fn under the payment timeout and normalises its error.
func (o *PaymentOrchestrator) providerCall(ctx context.Context, provider models.PaymentProvider, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.settings.PaymentTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	util.ProviderRequestLatency.WithLabelValues(string(provider), op).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, gateway.ErrUnsupported):
		return apperr.InvalidState("%s payments have no %s step", provider, op)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.KindTimeout):
		return apperr.Wrap(apperr.KindTimeout, err, "%s %s did not answer within %s", provider, op, o.settings.PaymentTimeout)
	case apperr.KindOf(err) == apperr.KindInternal:
		return apperr.Wrap(apperr.KindProviderUnavailable, err, "%s %s failed", provider, op)
	default:
		return err
	}
}

// Initiate opens a payment for the reservation's frozen total and asks the
// provider to start collecting it
func (o *PaymentOrchestrator) Initiate(ctx context.Context, req *InitiatePaymentRequest) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Initiate")
	defer span.End()

	p, err := o.initiate(ctx, req)
	return p, util.RecordError(span, err)
}

func (o *PaymentOrchestrator) initiate(ctx context.Context, req *InitiatePaymentRequest) (*models.Payment, error) {
	method, err := models.ParsePaymentMethod(req.Method)
	if err != nil {
		return nil, apperr.InvalidInput("%v", err)
	}

	var gw gateway.Gateway
	if req.Provider == "" {
		gw, err = o.gateways.ForMethod(method)
		if err != nil {
			return nil, err
		}
	} else {
		provider, err := models.ParsePaymentProvider(req.Provider)
		if err != nil {
			return nil, apperr.InvalidInput("%v", err)
		}
		if gw, err = o.gateways.Get(provider); err != nil {
			return nil, err
		}
		if !gw.Supports(method) {
			return nil, apperr.InvalidInput("provider %s does not accept %s", provider, method)
		}
	}
	provider := gw.Provider()

	meta := models.Metadata{}
	if method.IsCard() && req.Card != nil {
		res := card.Validate(*req.Card)
		if !res.Valid {
			return nil, apperr.InvalidInput("invalid card details: %s", strings.Join(res.Errors, "; "))
		}
		meta[models.MetaCardBrand] = card.Brand(req.Card.Number)
		meta[models.MetaCardLast4] = card.Last4(req.Card.Number)
	}

	unlock, err := acquire(ctx, o.locker, lock.ReservationKey(req.ReservationID), o.settings.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	reservation, err := o.reservations.Get(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}

	existing, err := o.payments.ListPaymentsByReservation(ctx, reservation.ID)
	if err != nil {
		return nil, storeError(err, "reservation", reservation.ID)
	}
	for i := range existing {
		p := &existing[i]
		switch p.Status {
		case models.PaymentSucceeded:
			return nil, apperr.New(apperr.KindAlreadyPaid, "reservation %s is already paid by payment %s", reservation.ID, p.ID)
		case models.PaymentRefunded:
			return nil, apperr.InvalidState("reservation %s was paid and refunded by payment %s", reservation.ID, p.ID)
		}
	}

	if reservation.Status != models.ReservationPending {
		o.abandonInFlight(ctx, existing, reservation)
		return nil, apperr.InvalidState("reservation %s is %s and cannot be paid", reservation.ID, reservation.Status)
	}

	for i := range existing {
		p := &existing[i]
		switch {
		case p.Status.InFlight() && p.Provider != provider:
			return nil, apperr.Conflict("payment %s through %s is already in progress for reservation %s", p.ID, p.Provider, reservation.ID)
		case p.Status == models.PaymentProcessing:
			return p, nil
		case p.Status == models.PaymentPending:
			o.logger.Info("Re-driving pending payment", zap.String("payment_id", p.ID))
			return o.drive(ctx, gw, p)
		}
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Vehicle rental %s, %d day(s)", reservation.ID, reservation.TotalDays)
	}

	now := o.now().UTC()
	payment := &models.Payment{
		ID:            uuid.New().String(),
		ReservationID: reservation.ID,
		CustomerID:    reservation.CustomerID,
		Amount:        reservation.TotalAmount,
		Currency:      o.settings.Currency,
		Method:        method,
		Provider:      provider,
		Status:        models.PaymentPending,
		Description:   description,
		Metadata:      meta,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.payments.InsertPayment(ctx, payment); err != nil {
		return nil, storeError(err, "payment", payment.ID)
	}

	util.PaymentAttemptsTotal.WithLabelValues(string(provider)).Inc()
	o.logger.Info("Payment created",
		zap.String("payment_id", payment.ID),
		zap.String("reservation_id", reservation.ID),
		zap.String("provider", string(provider)),
		zap.Int64("amount", payment.Amount))

	return o.drive(ctx, gw, payment)
}

// abandonInFlight cancels payments left in flight on a reservation that can no
// longer be paid, so they cannot be driven or confirmed later.
func (o *PaymentOrchestrator) abandonInFlight(ctx context.Context, payments []models.Payment, r *models.Reservation) {
	for i := range payments {
		p := &payments[i]
		if !p.Status.InFlight() {
			continue
		}
		p.Status = models.PaymentCancelled
		p.SetMeta(models.MetaFailure, fmt.Sprintf("reservation %s", r.Status))
		p.UpdatedAt = o.now().UTC()
		if err := o.payments.UpdatePayment(ctx, p); err != nil {
			o.logger.Error("Failed to cancel stale payment",
				zap.String("payment_id", p.ID),
				zap.Error(err))
			continue
		}
		o.logger.Info("Stale payment cancelled",
			zap.String("payment_id", p.ID),
			zap.String("reservation_id", r.ID),
			zap.String("reservation_status", string(r.Status)))
		o.publish(ctx, p, models.EventTypePaymentCancelled, "reservation "+string(r.Status))
	}
}

// drive sends a pending payment to its provider. Acceptance moves it to
// processing; a decline fails it; a transient error leaves it pending so the
// same call can be repeated.
func (o *PaymentOrchestrator) drive(ctx context.Context, gw gateway.Gateway, p *models.Payment) (*models.Payment, error) {
	var started *gateway.Initiation
	err := o.providerCall(ctx, p.Provider, "initiate", func(ctx context.Context) error {
		var err error
		started, err = gw.Initiate(ctx, gateway.InitiateRequest{
			PaymentID:     p.ID,
			ReservationID: p.ReservationID,
			CustomerID:    p.CustomerID,
			Amount:        p.Amount,
			Currency:      p.Currency,
			Method:        p.Method,
			Description:   p.Description,
		})
		return err
	})

	if err != nil {
		if apperr.IsRetryable(err) {
			o.logger.Warn("Payment provider unavailable, payment left pending",
				zap.String("payment_id", p.ID),
				zap.Error(err))
			return nil, err
		}
		o.fail(ctx, p, err)
		return nil, err
	}

	p.TransactionID = started.TransactionID
	if started.ClientSecret != "" {
		p.SetMeta(models.MetaClientSecret, started.ClientSecret)
	}
	if started.ApprovalURL != "" {
		p.SetMeta(models.MetaApprovalURL, started.ApprovalURL)
	}
	p.Status = models.PaymentProcessing
	p.UpdatedAt = o.now().UTC()

	if err := o.payments.UpdatePayment(ctx, p); err != nil {
		return nil, storeError(err, "payment", p.ID)
	}

	o.logger.Info("Payment processing",
		zap.String("payment_id", p.ID),
		zap.String("transaction_id", p.TransactionID),
		zap.Bool("simulated", gw.Simulated()))
	o.publish(ctx, p, models.EventTypePaymentInitiated, "")
	return p, nil
}

// fail records a definitive provider refusal on p. Errors persisting the
// failure are logged; the caller already has the provider error to return.
func (o *PaymentOrchestrator) fail(ctx context.Context, p *models.Payment, cause error) {
	reason := apperr.Message(cause)
	p.Status = models.PaymentFailed
	p.SetMeta(models.MetaFailure, reason)
	p.UpdatedAt = o.now().UTC()

	util.PaymentFailedTotal.WithLabelValues(string(p.Provider), string(apperr.KindOf(cause))).Inc()
	if err := o.payments.UpdatePayment(ctx, p); err != nil {
		o.logger.Error("Failed to record payment failure",
			zap.String("payment_id", p.ID),
			zap.Error(err))
		return
	}

	o.logger.Warn("Payment failed",
		zap.String("payment_id", p.ID),
		zap.String("reason", reason))
	o.publish(ctx, p, models.EventTypePaymentFailed, reason)
}

// lockPayment takes the payment lock and loads the payment.
func (o *PaymentOrchestrator) lockPayment(ctx context.Context, id string) (*models.Payment, func(), error) {
	unlock, err := acquire(ctx, o.locker, lock.PaymentKey(id), o.settings.LockTimeout)
	if err != nil {
		return nil, nil, err
	}

	p, err := o.payments.GetPayment(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, storeError(err, "payment", id)
	}
	return p, unlock, nil
}

// Confirm completes a card payment the customer confirmed with the provider.
// Repeating it with the same transaction id returns the settled payment.
func (o *PaymentOrchestrator) Confirm(ctx context.Context, paymentID, transactionID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Confirm")
	defer span.End()

	if transactionID == "" {
		return nil, util.RecordError(span, apperr.InvalidInput("transaction_id is required"))
	}

	p, err := o.complete(ctx, paymentID, "confirm",
		func(p *models.Payment) bool { return p.TransactionID == transactionID },
		func(p *models.Payment, gw gateway.Gateway) error {
			// simulated providers accept whatever id the client reports
			if !gw.Simulated() && p.TransactionID != "" && p.TransactionID != transactionID {
				return apperr.InvalidInput("transaction %s does not belong to payment %s", transactionID, p.ID)
			}
			return nil
		},
		func(ctx context.Context, gw gateway.Gateway, p *models.Payment) (*gateway.Settlement, error) {
			return gw.Confirm(ctx, gateway.ConfirmRequest{PaymentID: p.ID, TransactionID: transactionID})
		})
	return p, util.RecordError(span, err)
}

// Capture collects a wallet payment the payer approved.
// Repeating it for the same payer returns the settled payment.
func (o *PaymentOrchestrator) Capture(ctx context.Context, paymentID, payerReference string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Capture")
	defer span.End()

	if payerReference == "" {
		return nil, util.RecordError(span, apperr.InvalidInput("payer_id is required"))
	}

	p, err := o.complete(ctx, paymentID, "capture",
		func(p *models.Payment) bool { return p.PayerReference == payerReference },
		func(p *models.Payment, _ gateway.Gateway) error {
			if p.TransactionID == "" {
				return apperr.InvalidState("payment %s has no provider order to capture", p.ID)
			}
			return nil
		},
		func(ctx context.Context, gw gateway.Gateway, p *models.Payment) (*gateway.Settlement, error) {
			return gw.Capture(ctx, gateway.CaptureRequest{
				PaymentID:      p.ID,
				TransactionID:  p.TransactionID,
				PayerReference: payerReference,
			})
		})
	return p, util.RecordError(span, err)
}

type settleCall func(ctx context.Context, gw gateway.Gateway, p *models.Payment) (*gateway.Settlement, error)

// complete is the shared processing -> succeeded path of Confirm and Capture.
// It holds the payment lock and settles onto the reservation under the
// reservation lock, so a concurrent cancel and completion serialize.
func (o *PaymentOrchestrator) complete(
	ctx context.Context,
	paymentID, op string,
	sameRequest func(*models.Payment) bool,
	precheck func(*models.Payment, gateway.Gateway) error,
	call settleCall,
) (*models.Payment, error) {
	p, unlock, err := o.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.Status == models.PaymentSucceeded {
		if !sameRequest(p) {
			return nil, apperr.InvalidState("payment %s already succeeded with different details", p.ID)
		}
		o.reconcile(ctx, p)
		return p, nil
	}
	if p.Status != models.PaymentProcessing {
		return nil, apperr.InvalidState("payment %s is %s and cannot %s", p.ID, p.Status, op)
	}
	gw, err := o.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}
	if err := precheck(p, gw); err != nil {
		return nil, err
	}

	_, err = o.reservations.Settle(ctx, p.ReservationID, p.Amount, func(ctx context.Context, _ *models.Reservation) error {
		var settlement *gateway.Settlement
		err := o.providerCall(ctx, p.Provider, op, func(ctx context.Context) error {
			var err error
			settlement, err = call(ctx, gw, p)
			return err
		})
		if err != nil {
			if apperr.Is(err, apperr.KindProviderRejected) {
				o.fail(ctx, p, err)
			}
			return err
		}

		if settlement.TransactionID != "" {
			p.TransactionID = settlement.TransactionID
		}
		if settlement.PayerReference != "" {
			p.PayerReference = settlement.PayerReference
		}
		if settlement.SettlementID != "" {
			p.SetMeta(models.MetaSettlementID, settlement.SettlementID)
		}
		p.Status = models.PaymentSucceeded
		p.UpdatedAt = o.now().UTC()
		if err := o.payments.UpdatePayment(ctx, p); err != nil {
			return storeError(err, "payment", p.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.PaymentSuccessTotal.WithLabelValues(string(p.Provider)).Inc()
	o.logger.Info("Payment succeeded",
		zap.String("payment_id", p.ID),
		zap.String("reservation_id", p.ReservationID),
		zap.String("transaction_id", p.TransactionID))
	o.publish(ctx, p, models.EventTypePaymentSucceeded, "")
	return p, nil
}

// reconcile makes sure a succeeded payment's reservation is confirmed. It
// repairs the case where the payment was stored but the reservation update
// was lost.
func (o *PaymentOrchestrator) reconcile(ctx context.Context, p *models.Payment) {
	if _, err := o.reservations.Settle(ctx, p.ReservationID, p.Amount, nil); err != nil {
		o.logger.Warn("Could not reconcile succeeded payment onto reservation",
			zap.String("payment_id", p.ID),
			zap.String("reservation_id", p.ReservationID),
			zap.Error(err))
	}
}

// Refund returns amount (the full payment when zero) to the payer. On any
// provider failure the payment stays succeeded.
func (o *PaymentOrchestrator) Refund(ctx context.Context, paymentID string, amount int64) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Refund")
	defer span.End()

	p, err := o.refund(ctx, paymentID, amount)
	return p, util.RecordError(span, err)
}

func (o *PaymentOrchestrator) refund(ctx context.Context, paymentID string, amount int64) (*models.Payment, error) {
	p, unlock, err := o.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.Status != models.PaymentSucceeded {
		return nil, apperr.InvalidState("payment %s is %s, only succeeded payments can be refunded", p.ID, p.Status)
	}
	if amount == 0 {
		amount = p.Amount
	}
	if amount < 0 || amount > p.Amount {
		return nil, apperr.InvalidInput("refund amount %s must be between 0.01 and %s",
			pricing.FormatAmount(amount), pricing.FormatAmount(p.Amount))
	}

	gw, err := o.gateways.Get(p.Provider)
	if err != nil {
		return nil, err
	}

	var result *gateway.RefundResult
	err = o.providerCall(ctx, p.Provider, "refund", func(ctx context.Context) error {
		var err error
		result, err = gw.Refund(ctx, gateway.RefundRequest{
			PaymentID:     p.ID,
			TransactionID: p.TransactionID,
			SettlementID:  p.Metadata[models.MetaSettlementID],
			Amount:        amount,
			Currency:      p.Currency,
		})
		return err
	})
	if err != nil {
		util.PaymentRefundsTotal.WithLabelValues(string(p.Provider), "failed").Inc()
		o.logger.Error("Refund failed, payment stays succeeded",
			zap.String("payment_id", p.ID),
			zap.Error(err))
		return nil, err
	}

	p.Status = models.PaymentRefunded
	p.RefundedAmount = amount
	p.SetMeta(models.MetaRefundID, result.RefundID)
	p.UpdatedAt = o.now().UTC()
	if err := o.payments.UpdatePayment(ctx, p); err != nil {
		o.logger.Error("Refund issued but not recorded",
			zap.String("payment_id", p.ID),
			zap.String("refund_id", result.RefundID),
			zap.Error(err))
		return nil, storeError(err, "payment", p.ID)
	}

	util.PaymentRefundsTotal.WithLabelValues(string(p.Provider), "succeeded").Inc()
	o.logger.Info("Payment refunded",
		zap.String("payment_id", p.ID),
		zap.Int64("refunded_amount", amount))
	o.publish(ctx, p, models.EventTypePaymentRefunded, "")
	return p, nil
}

// Cancel abandons a payment that has not settled
func (o *PaymentOrchestrator) Cancel(ctx context.Context, paymentID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Cancel")
	defer span.End()

	p, unlock, err := o.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	defer unlock()

	if !p.Status.InFlight() {
		return nil, util.RecordError(span, apperr.InvalidState("payment %s is %s and cannot be cancelled", p.ID, p.Status))
	}

	p.Status = models.PaymentCancelled
	p.UpdatedAt = o.now().UTC()
	if err := o.payments.UpdatePayment(ctx, p); err != nil {
		return nil, util.RecordError(span, storeError(err, "payment", p.ID))
	}

	o.logger.Info("Payment cancelled", zap.String("payment_id", p.ID))
	o.publish(ctx, p, models.EventTypePaymentCancelled, "")
	return p, nil
}

var statusEvents = map[models.PaymentStatus]string{
	models.PaymentProcessing: models.EventTypePaymentInitiated,
	models.PaymentSucceeded:  models.EventTypePaymentSucceeded,
	models.PaymentFailed:     models.EventTypePaymentFailed,
	models.PaymentCancelled:  models.EventTypePaymentCancelled,
	models.PaymentRefunded:   models.EventTypePaymentRefunded,
}

// UpdateStatus is an administrative override that bypasses the providers.
// An override to succeeded is settled onto the reservation like a real one.
func (o *PaymentOrchestrator) UpdateStatus(ctx context.Context, paymentID, status string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.UpdateStatus")
	defer span.End()

	p, err := o.updateStatus(ctx, paymentID, status)
	return p, util.RecordError(span, err)
}

func (o *PaymentOrchestrator) updateStatus(ctx context.Context, paymentID, status string) (*models.Payment, error) {
	target, err := models.ParsePaymentStatus(status)
	if err != nil {
		return nil, apperr.InvalidInput("%v", err)
	}

	p, unlock, err := o.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if p.Status == target {
		return p, nil
	}

	o.logger.Warn("Payment status overridden",
		zap.String("payment_id", p.ID),
		zap.String("from", string(p.Status)),
		zap.String("to", string(target)))

	from := p.Status
	write := func(ctx context.Context) error {
		p.Status = target
		p.SetMeta(models.MetaOverride, fmt.Sprintf("%s->%s", from, target))
		p.UpdatedAt = o.now().UTC()
		return storeError(o.payments.UpdatePayment(ctx, p), "payment", p.ID)
	}

	if target == models.PaymentSucceeded {
		_, err = o.reservations.Settle(ctx, p.ReservationID, p.Amount, func(ctx context.Context, _ *models.Reservation) error {
			return write(ctx)
		})
	} else {
		err = write(ctx)
	}
	if err != nil {
		p.Status = from
		return nil, err
	}

	o.publish(ctx, p, statusEvents[target], "status override")
	return p, nil
}

// ApplyNotification folds an asynchronous provider notification into the
// payment. Notifications for payments that already reached the reported
// outcome are no-ops.
func (o *PaymentOrchestrator) ApplyNotification(ctx context.Context, n *models.ProviderNotification) error {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.ApplyNotification")
	defer span.End()

	p, err := o.payments.GetPayment(ctx, n.PaymentID)
	if err != nil {
		return util.RecordError(span, storeError(err, "payment", n.PaymentID))
	}
	if n.Provider != "" && n.Provider != p.Provider {
		return util.RecordError(span, apperr.InvalidInput("notification from %s for a %s payment", n.Provider, p.Provider))
	}

	switch n.EventType {
	case models.EventTypeProviderPaymentSucceeded:
		if p.Provider == models.ProviderPayPal {
			payer := n.PayerReference
			if payer == "" {
				payer = p.PayerReference
			}
			_, err = o.Capture(ctx, p.ID, payer)
		} else {
			txID := n.TransactionID
			if txID == "" {
				txID = p.TransactionID
			}
			_, err = o.Confirm(ctx, p.ID, txID)
		}
	case models.EventTypeProviderPaymentFailed:
		err = o.failFromNotification(ctx, n)
	default:
		err = apperr.InvalidInput("unknown notification type %s", n.EventType)
	}
	return util.RecordError(span, err)
}

func (o *PaymentOrchestrator) failFromNotification(ctx context.Context, n *models.ProviderNotification) error {
	p, unlock, err := o.lockPayment(ctx, n.PaymentID)
	if err != nil {
		return err
	}
	defer unlock()

	if !p.Status.InFlight() {
		o.logger.Info("Ignoring failure notification for settled payment",
			zap.String("payment_id", p.ID),
			zap.String("status", string(p.Status)))
		return nil
	}

	reason := n.Reason
	if reason == "" {
		reason = "declined by provider"
	}
	o.fail(ctx, p, apperr.New(apperr.KindProviderRejected, "%s", reason))
	return nil
}

// Get retrieves a payment by ID
func (o *PaymentOrchestrator) Get(ctx context.Context, id string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Get")
	defer span.End()

	p, err := o.payments.GetPayment(ctx, id)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "payment", id))
	}
	return p, nil
}

// ListByReservation retrieves every payment attempt for a reservation
func (o *PaymentOrchestrator) ListByReservation(ctx context.Context, reservationID string) ([]models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.ListByReservation")
	defer span.End()

	out, err := o.payments.ListPaymentsByReservation(ctx, reservationID)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "reservation", reservationID))
	}
	return out, nil
}

// ListByCustomer retrieves a customer's payments, newest first
func (o *PaymentOrchestrator) ListByCustomer(ctx context.Context, customerID string) ([]models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.ListByCustomer")
	defer span.End()

	out, err := o.payments.ListPaymentsByCustomer(ctx, customerID)
	if err != nil {
		return nil, util.RecordError(span, storeError(err, "customer", customerID))
	}
	return out, nil
}

func (o *PaymentOrchestrator) publish(ctx context.Context, p *models.Payment, eventType, reason string) {
	if o.events == nil || eventType == "" {
		return
	}

	event := &models.PaymentEvent{
		BaseEvent:     broker.NewBaseEvent(eventType),
		PaymentID:     p.ID,
		ReservationID: p.ReservationID,
		CustomerID:    p.CustomerID,
		Provider:      p.Provider,
		Amount:        p.Amount,
		Currency:      p.Currency,
		TransactionID: p.TransactionID,
		Status:        p.Status,
		Reason:        reason,
	}

	if err := o.events.PublishPaymentEvent(ctx, event); err != nil {
		o.logger.Error("Failed to publish payment event",
			zap.String("event_type", eventType),
			zap.String("payment_id", p.ID),
			zap.Error(err))
	}
}
