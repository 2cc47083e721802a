package service

import (
	"context"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/store"
)

// DefinitionStore reads funnel definitions
type DefinitionStore interface {
	GetFunnelByEntryProduct(ctx context.Context, productID int64) (*models.Funnel, error)
	GetFunnelByID(ctx context.Context, id int64) (*models.Funnel, error)
	ListFunnels(ctx context.Context) ([]models.Funnel, error)
	ListActiveStepsSortedByPriority(ctx context.Context, funnelID int64) ([]models.FunnelStep, error)
	ListSteps(ctx context.Context, funnelID int64) ([]models.FunnelStep, error)
	GetStepsByIDs(ctx context.Context, ids []int64) ([]models.FunnelStep, error)
}

// ProductCatalog reads catalog products
type ProductCatalog interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// PurchaseLedger is the append-only purchase record
type PurchaseLedger interface {
	CreatePurchase(ctx context.Context, purchase *models.Purchase) error
	CreatePurchaseGroup(ctx context.Context, root *models.Purchase, children []*models.Purchase) error
	GetPurchaseByID(ctx context.Context, id int64) (*models.Purchase, error)
	FindPurchaseByCharge(ctx context.Context, chargeID string) (*models.Purchase, error)
	FindPurchaseBySessionStep(ctx context.Context, sessionID, stepID int64) (*models.Purchase, error)
	ListPurchasesForSession(ctx context.Context, sessionID int64) ([]models.Purchase, error)
	ListPurchasesForFunnel(ctx context.Context, funnelID int64) ([]models.Purchase, error)
	ListChildPurchases(ctx context.Context, parentID int64) ([]models.Purchase, error)
}

// SessionStore persists funnel sessions
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.FunnelSession) (*models.FunnelSession, bool, error)
	GetSessionByID(ctx context.Context, id int64) (*models.FunnelSession, error)
	ListSessionsByFunnel(ctx context.Context, funnelID int64) ([]models.FunnelSession, error)
	ApplyStepOutcome(ctx context.Context, outcome *store.StepOutcome) (*models.FunnelSession, error)
	MarkSessionCompleted(ctx context.Context, id int64, completedAt int64) (*models.FunnelSession, error)
}

// FunnelStore is everything the funnel engine persists through
type FunnelStore interface {
	DefinitionStore
	ProductCatalog
	PurchaseLedger
	SessionStore
}

// SessionLocker serializes work on one session and caches short-lived
// idempotency markers
type SessionLocker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetIdempotencyKey(ctx context.Context, key string, dest interface{}) (bool, error)
	DeleteIdempotencyKey(ctx context.Context, key string) error
}

// EventPublisher emits domain events
type EventPublisher interface {
	PublishSessionStarted(ctx context.Context, event *models.SessionStartedEvent) error
	PublishStepResponded(ctx context.Context, event *models.StepRespondedEvent) error
	PublishSessionCompleted(ctx context.Context, event *models.SessionCompletedEvent) error
	PublishPurchaseRecorded(ctx context.Context, event *models.PurchaseRecordedEvent) error
}
