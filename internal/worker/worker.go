package worker

import (
	"context"
	"time"

	"funnel-service/internal/broker"
	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// MessageSource is the consuming half of the broker
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// PurchaseHandler reacts to newly recorded purchases
type PurchaseHandler interface {
	HandlePurchaseRecorded(ctx context.Context, event *models.PurchaseRecordedEvent) error
}

// DeliveryWorker grants downloads for purchases published on the event topic
type DeliveryWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewDeliveryWorker creates a new delivery worker
func NewDeliveryWorker(consumer MessageSource, delivery PurchaseHandler) *DeliveryWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnPurchaseRecorded(delivery.HandlePurchaseRecorded)

	return &DeliveryWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start blocks consuming events until ctx is cancelled
func (w *DeliveryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting delivery worker...")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *DeliveryWorker) Stop() error {
	w.logger.Info("Stopping delivery worker...")
	return w.consumer.Close()
}

// StaleSessionStore abandons sessions idle since before cutoff
type StaleSessionStore interface {
	MarkStaleSessionsAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionReaper periodically abandons funnel sessions nobody has touched
// within idleTTL
type SessionReaper struct {
	store    StaleSessionStore
	interval time.Duration
	idleTTL  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSessionReaper creates a new session reaper
func NewSessionReaper(store StaleSessionStore, interval, idleTTL time.Duration) *SessionReaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionReaper{
		store:    store,
		interval: interval,
		idleTTL:  idleTTL,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// Run reaps once per interval until ctx is cancelled
func (r *SessionReaper) Run(ctx context.Context) {
	r.logger.Info("Starting session reaper",
		zap.Duration("interval", r.interval),
		zap.Duration("idle_ttl", r.idleTTL))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping session reaper...")
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.logger.Error("Failed to reap stale sessions", zap.Error(err))
			}
		}
	}
}

// ReapOnce abandons sessions idle for longer than idleTTL and returns the count
func (r *SessionReaper) ReapOnce(ctx context.Context) (int64, error) {
	ctx, span := util.StartSpan(ctx, "SessionReaper.ReapOnce")
	defer span.End()

	cutoff := r.now().Add(-r.idleTTL)
	n, err := r.store.MarkStaleSessionsAbandoned(ctx, cutoff)
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}
	if n > 0 {
		util.FunnelSessionsAbandonedTotal.Add(float64(n))
		r.logger.Info("Abandoned stale funnel sessions",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff))
	}
	return n, nil
}
