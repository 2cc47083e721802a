package service

import (
	"context"

	"funnel-service/internal/broker"
	"funnel-service/internal/models"

	"go.uber.org/zap"
)

func publishPurchaseRecorded(ctx context.Context, events EventPublisher, logger *zap.Logger, p *models.Purchase) {
	event := &models.PurchaseRecordedEvent{
		BaseEvent:        broker.NewBaseEvent(models.EventTypePurchaseRecorded),
		PurchaseID:       p.ID,
		UserID:           p.UserID,
		ProductID:        p.ProductID,
		Amount:           p.Amount,
		ParentPurchaseID: p.ParentPurchaseID,
		FunnelSessionID:  p.FunnelSessionID,
		FunnelStepID:     p.FunnelStepID,
	}
	if err := events.PublishPurchaseRecorded(ctx, event); err != nil {
		logger.Error("Failed to publish PurchaseRecorded event",
			zap.Int64("purchase_id", p.ID),
			zap.Error(err))
	}
}
