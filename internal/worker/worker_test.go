package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"funnel-service/internal/broker"
	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	util.SetLogger(zap.NewNop())
}

// replaySource feeds fixed messages to the handler and records failures
type replaySource struct {
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (s *replaySource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range s.messages {
		s.errs = append(s.errs, handler(ctx, msg))
	}
	return nil
}

func (s *replaySource) Close() error {
	s.closed = true
	return nil
}

type recordingDelivery struct {
	events []*models.PurchaseRecordedEvent
	err    error
}

func (d *recordingDelivery) HandlePurchaseRecorded(ctx context.Context, event *models.PurchaseRecordedEvent) error {
	d.events = append(d.events, event)
	return d.err
}

func encode(t *testing.T, v interface{}) kafka.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Value: data}
}

func TestDeliveryWorkerDispatchesPurchases(t *testing.T) {
	purchase := &models.PurchaseRecordedEvent{
		BaseEvent:  broker.NewBaseEvent(models.EventTypePurchaseRecorded),
		PurchaseID: 7,
		UserID:     "u1",
		ProductID:  10,
	}
	started := &models.SessionStartedEvent{BaseEvent: broker.NewBaseEvent(models.EventTypeSessionStarted), SessionID: 1}

	source := &replaySource{messages: []kafka.Message{encode(t, started), encode(t, purchase)}}
	delivery := &recordingDelivery{}
	w := NewDeliveryWorker(source, delivery)

	require.NoError(t, w.Start(context.Background()))
	require.Len(t, delivery.events, 1)
	assert.Equal(t, int64(7), delivery.events[0].PurchaseID)
	assert.Equal(t, []error{nil, nil}, source.errs)

	require.NoError(t, w.Stop())
	assert.True(t, source.closed)
}

func TestDeliveryWorkerSurfacesHandlerErrors(t *testing.T) {
	purchase := &models.PurchaseRecordedEvent{BaseEvent: broker.NewBaseEvent(models.EventTypePurchaseRecorded), PurchaseID: 7}
	source := &replaySource{messages: []kafka.Message{encode(t, purchase)}}
	w := NewDeliveryWorker(source, &recordingDelivery{err: errors.New("db down")})

	require.NoError(t, w.Start(context.Background()))
	require.Len(t, source.errs, 1)
	assert.Error(t, source.errs[0])
}

type fakeStaleStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakeStaleStore) MarkStaleSessionsAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.n, f.err
}

func (f *fakeStaleStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestReapOnceUsesIdleCutoff(t *testing.T) {
	st := &fakeStaleStore{n: 3}
	r := NewSessionReaper(st, time.Minute, 2*time.Hour)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	n, err := r.ReapOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Len(t, st.cutoffs, 1)
	assert.Equal(t, fixed.Add(-2*time.Hour), st.cutoffs[0])

	st.err = errors.New("timeout")
	_, err = r.ReapOnce(context.Background())
	assert.Error(t, err)
}

func TestSessionReaperRunStopsOnCancel(t *testing.T) {
	st := &fakeStaleStore{}
	r := NewSessionReaper(st, 10*time.Millisecond, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return st.calls() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
