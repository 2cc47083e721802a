package models

import "time"

// Event types
const (
	EventTypeSessionStarted   = "FUNNEL_SESSION_STARTED"
	EventTypeStepAccepted     = "FUNNEL_STEP_ACCEPTED"
	EventTypeStepDeclined     = "FUNNEL_STEP_DECLINED"
	EventTypeSessionCompleted = "FUNNEL_SESSION_COMPLETED"
	EventTypePurchaseRecorded = "PURCHASE_RECORDED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStartedEvent published when a buyer enters a funnel
type SessionStartedEvent struct {
	BaseEvent
	SessionID       int64  `json:"session_id"`
	FunnelID        int64  `json:"funnel_id"`
	UserID          string `json:"user_id"`
	EntryPurchaseID int64  `json:"entry_purchase_id"`
}

// StepRespondedEvent published when a step is accepted or declined
type StepRespondedEvent struct {
	BaseEvent
	SessionID int64  `json:"session_id"`
	FunnelID  int64  `json:"funnel_id"`
	StepID    int64  `json:"step_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	StepIndex int    `json:"step_index"`
}

// SessionCompletedEvent published when a session exhausts its steps
type SessionCompletedEvent struct {
	BaseEvent
	SessionID    int64  `json:"session_id"`
	FunnelID     int64  `json:"funnel_id"`
	UserID       string `json:"user_id"`
	TotalRevenue int64  `json:"total_revenue"`
	CompletedAt  int64  `json:"completed_at"`
}

// PurchaseRecordedEvent published for every new ledger entry
type PurchaseRecordedEvent struct {
	BaseEvent
	PurchaseID       int64  `json:"purchase_id"`
	UserID           string `json:"user_id"`
	ProductID        int64  `json:"product_id"`
	Amount           int64  `json:"amount"`
	ParentPurchaseID *int64 `json:"parent_purchase_id,omitempty"`
	FunnelSessionID  *int64 `json:"funnel_session_id,omitempty"`
	FunnelStepID     *int64 `json:"funnel_step_id,omitempty"`
}
