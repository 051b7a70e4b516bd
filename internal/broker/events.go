package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rental-service/internal/models"
	"rental-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// EventPublisher handles publishing domain events. Events are keyed by
// reservation so every change to one booking lands on one partition.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func reservationKey(id string) string {
	return fmt.Sprintf("reservation-%s", id)
}

// PublishReservationEvent publishes a reservation transition
func (ep *EventPublisher) PublishReservationEvent(ctx context.Context, event *models.ReservationEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

// PublishPaymentEvent publishes a payment transition
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return ep.producer.PublishEvent(ctx, reservationKey(event.ReservationID), event)
}

type NotificationFunc func(context.Context, *models.ProviderNotification) error

// EventHandler routes provider notifications to registered callbacks
type EventHandler struct {
	onSucceeded NotificationFunc
	onFailed    NotificationFunc
	logger      *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnProviderPaymentSucceeded registers a handler for settled payments
func (eh *EventHandler) OnProviderPaymentSucceeded(handler NotificationFunc) {
	eh.onSucceeded = handler
}

// OnProviderPaymentFailed registers a handler for declined or expired payments
func (eh *EventHandler) OnProviderPaymentFailed(handler NotificationFunc) {
	eh.onFailed = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var notification models.ProviderNotification
	if err := json.Unmarshal(msg.Value, &notification); err != nil {
		return fmt.Errorf("%w: failed to unmarshal notification: %v", ErrPoison, err)
	}

	eh.logger.Info("Handling event",
		zap.String("event_type", notification.EventType),
		zap.String("event_id", notification.EventID))

	var handler NotificationFunc
	switch notification.EventType {
	case models.EventTypeProviderPaymentSucceeded:
		handler = eh.onSucceeded
	case models.EventTypeProviderPaymentFailed:
		handler = eh.onFailed
	default:
		eh.logger.Warn("Unhandled event type", zap.String("event_type", notification.EventType))
		return nil
	}

	if notification.PaymentID == "" {
		return fmt.Errorf("%w: %s without payment_id", ErrPoison, notification.EventType)
	}
	if handler == nil {
		return nil
	}
	return handler(ctx, &notification)
}
