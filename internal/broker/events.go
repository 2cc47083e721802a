package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is the transport the event publisher writes to
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// NewBaseEvent stamps a fresh event id and timestamp
func NewBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

func sessionKey(sessionID int64) string {
	return fmt.Sprintf("funnel-session-%d", sessionID)
}

// PublishSessionStarted publishes FUNNEL_SESSION_STARTED
func (ep *EventPublisher) PublishSessionStarted(ctx context.Context, event *models.SessionStartedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishStepResponded publishes FUNNEL_STEP_ACCEPTED or FUNNEL_STEP_DECLINED
func (ep *EventPublisher) PublishStepResponded(ctx context.Context, event *models.StepRespondedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishSessionCompleted publishes FUNNEL_SESSION_COMPLETED
func (ep *EventPublisher) PublishSessionCompleted(ctx context.Context, event *models.SessionCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, sessionKey(event.SessionID), event)
}

// PublishPurchaseRecorded publishes PURCHASE_RECORDED
func (ep *EventPublisher) PublishPurchaseRecorded(ctx context.Context, event *models.PurchaseRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("purchase-%d", event.PurchaseID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPurchaseRecorded func(context.Context, *models.PurchaseRecordedEvent) error
	logger             *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPurchaseRecorded registers a handler for PURCHASE_RECORDED events
func (eh *EventHandler) OnPurchaseRecorded(handler func(context.Context, *models.PurchaseRecordedEvent) error) {
	eh.onPurchaseRecorded = handler
}

// HandleMessage routes messages to appropriate handlers. Undecodable
// messages are dropped so they do not block the partition.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping undecodable event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePurchaseRecorded:
		if eh.onPurchaseRecorded != nil {
			var event models.PurchaseRecordedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Dropping malformed PURCHASE_RECORDED event", zap.Error(err))
				return nil
			}
			return eh.onPurchaseRecorded(ctx, &event)
		}
	}

	return nil
}
