package service

import (
	"context"
	"fmt"
	"math"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// AnalyticsStore is the read side the aggregator scans
type AnalyticsStore interface {
	GetFunnelByID(ctx context.Context, id int64) (*models.Funnel, error)
	ListFunnels(ctx context.Context) ([]models.Funnel, error)
	ListSteps(ctx context.Context, funnelID int64) ([]models.FunnelStep, error)
	ListSessionsByFunnel(ctx context.Context, funnelID int64) ([]models.FunnelSession, error)
	ListPurchasesForFunnel(ctx context.Context, funnelID int64) ([]models.Purchase, error)
}

// FunnelAnalytics aggregates one funnel's sessions
type FunnelAnalytics struct {
	FunnelID          int64   `json:"funnel_id"`
	FunnelName        string  `json:"funnel_name"`
	IsActive          bool    `json:"is_active"`
	TotalSessions     int     `json:"total_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	AbandonedSessions int     `json:"abandoned_sessions"`
	ActiveSessions    int     `json:"active_sessions"`
	CompletionRate    float64 `json:"completion_rate"`
	TotalRevenue      int64   `json:"total_revenue"`
	AverageOrderValue int64   `json:"average_order_value"`
	Error             string  `json:"error,omitempty"`
}

// StepAnalytics aggregates responses to one step
type StepAnalytics struct {
	StepID         int64           `json:"step_id"`
	StepType       models.StepType `json:"step_type"`
	OfferProductID int64           `json:"offer_product_id"`
	Priority       int             `json:"priority"`
	IsActive       bool            `json:"is_active"`
	Headline       string          `json:"headline"`
	AcceptedCount  int             `json:"accepted_count"`
	DeclinedCount  int             `json:"declined_count"`
	AcceptanceRate float64         `json:"acceptance_rate"`
	Revenue        int64           `json:"revenue"`
}

// AnalyticsService computes funnel metrics on demand
type AnalyticsService struct {
	store  AnalyticsStore
	logger *zap.Logger
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(store AnalyticsStore) *AnalyticsService {
	return &AnalyticsService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// GetFunnelAnalytics aggregates sessions and revenue of one funnel
func (s *AnalyticsService) GetFunnelAnalytics(ctx context.Context, funnelID int64) (*FunnelAnalytics, error) {
	ctx, span := util.StartSpan(ctx, "AnalyticsService.GetFunnelAnalytics")
	defer span.End()

	funnel, err := s.store.GetFunnelByID(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel: %w", err)
	}
	if funnel == nil {
		return nil, notFound("funnel %d", funnelID)
	}
	return s.funnelAnalytics(ctx, funnel)
}

// GetStepAnalytics reports acceptance per step of one funnel, including
// steps deactivated since sessions answered them
func (s *AnalyticsService) GetStepAnalytics(ctx context.Context, funnelID int64) ([]StepAnalytics, error) {
	ctx, span := util.StartSpan(ctx, "AnalyticsService.GetStepAnalytics")
	defer span.End()

	funnel, err := s.store.GetFunnelByID(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel: %w", err)
	}
	if funnel == nil {
		return nil, notFound("funnel %d", funnelID)
	}

	steps, err := s.store.ListSteps(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel steps: %w", err)
	}
	sessions, err := s.store.ListSessionsByFunnel(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel sessions: %w", err)
	}
	purchases, err := s.store.ListPurchasesForFunnel(ctx, funnelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel purchases: %w", err)
	}

	return ComputeStepAnalytics(steps, sessions, purchases), nil
}

// ListFunnelAnalytics aggregates every funnel. A funnel whose data cannot be
// loaded is reported with zero counts.
func (s *AnalyticsService) ListFunnelAnalytics(ctx context.Context) ([]FunnelAnalytics, error) {
	ctx, span := util.StartSpan(ctx, "AnalyticsService.ListFunnelAnalytics")
	defer span.End()

	funnels, err := s.store.ListFunnels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnels: %w", err)
	}

	result := make([]FunnelAnalytics, 0, len(funnels))
	for i := range funnels {
		funnel := &funnels[i]
		stats, err := s.funnelAnalytics(ctx, funnel)
		if err != nil {
			util.AnalyticsFunnelFailuresTotal.Inc()
			s.logger.Error("Failed to aggregate funnel",
				zap.Int64("funnel_id", funnel.ID),
				zap.Error(err))
			result = append(result, FunnelAnalytics{
				FunnelID:   funnel.ID,
				FunnelName: funnel.Name,
				IsActive:   funnel.IsActive,
				Error:      "unavailable",
			})
			continue
		}
		result = append(result, *stats)
	}
	return result, nil
}

func (s *AnalyticsService) funnelAnalytics(ctx context.Context, funnel *models.Funnel) (*FunnelAnalytics, error) {
	sessions, err := s.store.ListSessionsByFunnel(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel sessions: %w", err)
	}
	purchases, err := s.store.ListPurchasesForFunnel(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list funnel purchases: %w", err)
	}
	return ComputeFunnelAnalytics(funnel, sessions, purchases), nil
}

// ComputeFunnelAnalytics aggregates sessions of one funnel. A session's
// revenue is its running total, or the sum of its purchases when the total
// was never populated.
func ComputeFunnelAnalytics(funnel *models.Funnel, sessions []models.FunnelSession, purchases []models.Purchase) *FunnelAnalytics {
	stats := &FunnelAnalytics{
		FunnelID:      funnel.ID,
		FunnelName:    funnel.Name,
		IsActive:      funnel.IsActive,
		TotalSessions: len(sessions),
	}

	bySession := make(map[int64]int64)
	for _, p := range purchases {
		if p.FunnelSessionID != nil {
			bySession[*p.FunnelSessionID] += p.Amount
		}
	}

	var revenueSessions int64
	for _, session := range sessions {
		switch session.Status {
		case models.SessionStatusCompleted:
			stats.CompletedSessions++
		case models.SessionStatusAbandoned:
			stats.AbandonedSessions++
		default:
			stats.ActiveSessions++
		}

		revenue := session.TotalRevenue
		if revenue <= 0 {
			revenue = bySession[session.ID]
		}
		if revenue > 0 {
			stats.TotalRevenue += revenue
			revenueSessions++
		}
	}

	stats.CompletionRate = percentage(stats.CompletedSessions, stats.TotalSessions)
	if revenueSessions > 0 {
		stats.AverageOrderValue = stats.TotalRevenue / revenueSessions
	}
	return stats
}

// ComputeStepAnalytics counts accepts and declines of each step across sessions
func ComputeStepAnalytics(steps []models.FunnelStep, sessions []models.FunnelSession, purchases []models.Purchase) []StepAnalytics {
	accepted := make(map[int64]int)
	declined := make(map[int64]int)
	for _, session := range sessions {
		for _, id := range session.AcceptedSteps {
			accepted[id]++
		}
		for _, id := range session.DeclinedSteps {
			declined[id]++
		}
	}

	revenue := make(map[int64]int64)
	for _, p := range purchases {
		if p.FunnelStepID != nil {
			revenue[*p.FunnelStepID] += p.Amount
		}
	}

	result := make([]StepAnalytics, 0, len(steps))
	for _, step := range steps {
		a, d := accepted[step.ID], declined[step.ID]
		result = append(result, StepAnalytics{
			StepID:         step.ID,
			StepType:       step.StepType,
			OfferProductID: step.OfferProductID,
			Priority:       step.Priority,
			IsActive:       step.IsActive,
			Headline:       step.Headline,
			AcceptedCount:  a,
			DeclinedCount:  d,
			AcceptanceRate: percentage(a, a+d),
			Revenue:        revenue[step.ID],
		})
	}
	return result
}

// percentage returns part/total as 0-100 rounded to two decimals, 0 when total is 0
func percentage(part, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(part)*10000/float64(total)) / 100
}
