package worker

import (
	"context"
	"fmt"

	"rental-service/internal/apperr"
	"rental-service/internal/broker"
	"rental-service/internal/models"
	"rental-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventLog remembers which notifications were already applied.
type EventLog interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// NotificationApplier folds a provider notification into payment state.
type NotificationApplier interface {
	ApplyNotification(ctx context.Context, n *models.ProviderNotification) error
}

// NotificationWorker consumes provider notifications and applies them to payments
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	events       EventLog
	payments     NotificationApplier
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(
	consumer *broker.Consumer,
	events EventLog,
	payments NotificationApplier,
) *NotificationWorker {
	w := &NotificationWorker{
		consumer: consumer,
		events:   events,
		payments: payments,
		logger:   util.GetLogger(),
	}

	eventHandler := broker.NewEventHandler()
	eventHandler.OnProviderPaymentSucceeded(w.apply)
	eventHandler.OnProviderPaymentFailed(w.apply)
	w.eventHandler = eventHandler

	return w
}

// apply runs one notification at most once. Retryable failures are returned
// as is so the message is redelivered; anything else can never succeed and
// is reported as poison.
func (w *NotificationWorker) apply(ctx context.Context, n *models.ProviderNotification) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.apply")
	defer span.End()

	if n.EventID != "" {
		processed, err := w.events.IsEventProcessed(ctx, n.EventID)
		if err != nil {
			return util.RecordError(span, fmt.Errorf("failed to check event processed: %w", err))
		}
		if processed {
			w.logger.Info("Event already processed", zap.String("event_id", n.EventID))
			util.NotificationsProcessedTotal.WithLabelValues(n.EventType, "duplicate").Inc()
			return nil
		}
	}

	w.logger.Info("Applying provider notification",
		zap.String("event_id", n.EventID),
		zap.String("event_type", n.EventType),
		zap.String("payment_id", n.PaymentID))

	if err := w.payments.ApplyNotification(ctx, n); err != nil {
		if apperr.IsRetryable(err) {
			util.NotificationsProcessedTotal.WithLabelValues(n.EventType, "retry").Inc()
			return util.RecordError(span, err)
		}

		util.NotificationsProcessedTotal.WithLabelValues(n.EventType, "rejected").Inc()
		w.logger.Warn("Provider notification rejected",
			zap.String("event_id", n.EventID),
			zap.String("payment_id", n.PaymentID),
			zap.Error(err))
		w.markProcessed(ctx, n)
		return util.RecordError(span, fmt.Errorf("%w: %v", broker.ErrPoison, err))
	}

	util.NotificationsProcessedTotal.WithLabelValues(n.EventType, "applied").Inc()
	w.markProcessed(ctx, n)
	return nil
}

func (w *NotificationWorker) markProcessed(ctx context.Context, n *models.ProviderNotification) {
	if n.EventID == "" {
		return
	}
	if err := w.events.MarkEventProcessed(ctx, n.EventID, n.EventType); err != nil {
		w.logger.Error("Failed to mark event processed",
			zap.String("event_id", n.EventID),
			zap.Error(err))
	}
}

// Handle processes a single raw message
func (w *NotificationWorker) Handle(ctx context.Context, msg kafka.Message) error {
	return w.eventHandler.HandleMessage(ctx, msg)
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker...")
	return w.consumer.StartConsuming(ctx, w.Handle)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker...")
	return w.consumer.Close()
}

