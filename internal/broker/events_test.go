package broker

import (
	"context"
	"encoding/json"
	"testing"

	"funnel-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	key   string
	event interface{}
}

type recordingPublisher struct {
	events []capturedEvent
}

func (r *recordingPublisher) PublishEvent(ctx context.Context, key string, event interface{}) error {
	r.events = append(r.events, capturedEvent{key: key, event: event})
	return nil
}

func TestEventPublisherKeysBySession(t *testing.T) {
	rec := &recordingPublisher{}
	ep := NewEventPublisher(rec)
	ctx := context.Background()

	require.NoError(t, ep.PublishSessionStarted(ctx, &models.SessionStartedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeSessionStarted),
		SessionID: 7,
	}))
	require.NoError(t, ep.PublishStepResponded(ctx, &models.StepRespondedEvent{
		BaseEvent: NewBaseEvent(models.EventTypeStepDeclined),
		SessionID: 7,
		StepID:    1,
	}))
	require.NoError(t, ep.PublishPurchaseRecorded(ctx, &models.PurchaseRecordedEvent{
		BaseEvent:  NewBaseEvent(models.EventTypePurchaseRecorded),
		PurchaseID: 42,
	}))

	require.Len(t, rec.events, 3)
	assert.Equal(t, "funnel-session-7", rec.events[0].key)
	assert.Equal(t, "funnel-session-7", rec.events[1].key)
	assert.Equal(t, "purchase-42", rec.events[2].key)
}

func TestEventHandlerRoutesPurchaseRecorded(t *testing.T) {
	eh := NewEventHandler()

	var got *models.PurchaseRecordedEvent
	eh.OnPurchaseRecorded(func(ctx context.Context, e *models.PurchaseRecordedEvent) error {
		got = e
		return nil
	})

	payload, err := json.Marshal(&models.PurchaseRecordedEvent{
		BaseEvent:  NewBaseEvent(models.EventTypePurchaseRecorded),
		PurchaseID: 42,
		UserID:     "u1",
		ProductID:  20,
		Amount:     4900,
	})
	require.NoError(t, err)

	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	require.NotNil(t, got)
	assert.Equal(t, int64(42), got.PurchaseID)
	assert.Equal(t, "u1", got.UserID)
}

func TestEventHandlerIgnoresOtherEventsAndGarbage(t *testing.T) {
	eh := NewEventHandler()
	called := false
	eh.OnPurchaseRecorded(func(ctx context.Context, e *models.PurchaseRecordedEvent) error {
		called = true
		return nil
	})

	payload, _ := json.Marshal(&models.SessionStartedEvent{BaseEvent: NewBaseEvent(models.EventTypeSessionStarted)})
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.False(t, called)
}
