package models

import (
	"time"

	"github.com/lib/pq"
)

// Product represents a downloadable asset in the catalog
type Product struct {
	ID          int64     `db:"id" json:"id"`
	SKU         string    `db:"sku" json:"sku"`
	Name        string    `db:"name" json:"name"`
	Price       int64     `db:"price" json:"price"`
	DownloadURL string    `db:"download_url" json:"-"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Funnel is an admin-configured sequence of post-purchase offers tied to one entry product
type Funnel struct {
	ID             int64     `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description"`
	EntryProductID *int64    `db:"entry_product_id" json:"entry_product_id,omitempty"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// FunnelStep is one offer within a funnel
type FunnelStep struct {
	ID               int64     `db:"id" json:"id"`
	FunnelID         int64     `db:"funnel_id" json:"funnel_id"`
	StepType         StepType  `db:"step_type" json:"step_type"`
	OfferProductID   int64     `db:"offer_product_id" json:"offer_product_id"`
	Priority         int       `db:"priority" json:"priority"`
	PriceOverride    *int64    `db:"price_override" json:"price_override,omitempty"`
	Headline         string    `db:"headline" json:"headline"`
	Subheadline      string    `db:"subheadline" json:"subheadline"`
	CTAText          string    `db:"cta_text" json:"cta_text"`
	DeclineText      string    `db:"decline_text" json:"decline_text"`
	CountdownSeconds int       `db:"countdown_seconds" json:"countdown_seconds"`
	IsActive         bool      `db:"is_active" json:"is_active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// EffectivePrice returns the override when set, else the catalog price
func (s *FunnelStep) EffectivePrice(product *Product) int64 {
	if s.PriceOverride != nil {
		return *s.PriceOverride
	}
	return product.Price
}

// Purchase is an append-only ledger entry
type Purchase struct {
	ID               int64   `db:"id" json:"id"`
	UserID           string  `db:"user_id" json:"user_id"`
	ProductID        int64   `db:"product_id" json:"product_id"`
	Amount           int64   `db:"amount" json:"amount"`
	ChargeID         *string `db:"charge_id" json:"charge_id,omitempty"`
	ParentPurchaseID *int64  `db:"parent_purchase_id" json:"parent_purchase_id,omitempty"`
	FunnelSessionID  *int64  `db:"funnel_session_id" json:"funnel_session_id,omitempty"`
	FunnelStepID     *int64  `db:"funnel_step_id" json:"funnel_step_id,omitempty"`
	PurchasedAt      int64   `db:"purchased_at" json:"purchased_at"`
}

// IsDependent reports whether the purchase is a child (order bump) of another purchase
func (p *Purchase) IsDependent() bool {
	return p.ParentPurchaseID != nil
}

// FunnelSession tracks one buyer's progress through a funnel
type FunnelSession struct {
	ID               int64         `db:"id" json:"id"`
	UserID           string        `db:"user_id" json:"user_id"`
	FunnelID         int64         `db:"funnel_id" json:"funnel_id"`
	EntryPurchaseID  int64         `db:"entry_purchase_id" json:"entry_purchase_id"`
	CurrentStepIndex int           `db:"current_step_index" json:"current_step_index"`
	Status           SessionStatus `db:"status" json:"status"`
	AcceptedSteps    pq.Int64Array `db:"accepted_steps" json:"accepted_steps"`
	DeclinedSteps    pq.Int64Array `db:"declined_steps" json:"declined_steps"`
	StepSequence     pq.Int64Array `db:"step_sequence" json:"-"`
	TotalRevenue     int64         `db:"total_revenue" json:"total_revenue"`
	CompletedAt      *int64        `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// IsTerminal reports whether the session no longer accepts responses
func (s *FunnelSession) IsTerminal() bool {
	return s.Status != SessionStatusActive
}

// HasResponded reports whether the step was already accepted or declined
func (s *FunnelSession) HasResponded(stepID int64) bool {
	for _, id := range s.AcceptedSteps {
		if id == stepID {
			return true
		}
	}
	for _, id := range s.DeclinedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// SessionStatus is the lifecycle state of a funnel session
type SessionStatus string

// Session statuses
const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// DownloadGrant licenses a purchased asset to its buyer
type DownloadGrant struct {
	ID         int64     `db:"id" json:"id"`
	PurchaseID int64     `db:"purchase_id" json:"purchase_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	ProductID  int64     `db:"product_id" json:"product_id"`
	LicenseKey string    `db:"license_key" json:"license_key"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Charge is a payment record kept by the simulated gateway
type Charge struct {
	ID           string    `db:"id" json:"id"`
	ClientSecret string    `db:"client_secret" json:"-"`
	Amount       int64     `db:"amount" json:"amount"`
	Currency     string    `db:"currency" json:"currency"`
	Status       string    `db:"status" json:"status"`
	Metadata     []byte    `db:"metadata" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Charge statuses
const (
	ChargeStatusPending   = "requires_confirmation"
	ChargeStatusSucceeded = "succeeded"
	ChargeStatusFailed    = "failed"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
