package store

import (
	"context"
	"database/sql"

	"funnel-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetFunnelByEntryProduct returns the funnel triggered by a product, or nil.
// When several funnels share an entry product the active one wins, then the oldest.
func (s *Store) GetFunnelByEntryProduct(ctx context.Context, productID int64) (*models.Funnel, error) {
	var funnel models.Funnel
	err := s.db.GetContext(ctx, &funnel, `
		SELECT * FROM funnels
		WHERE entry_product_id = $1
		ORDER BY is_active DESC, id ASC
		LIMIT 1`, productID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &funnel, nil
}

// GetFunnelByID returns a funnel, or nil when absent
func (s *Store) GetFunnelByID(ctx context.Context, id int64) (*models.Funnel, error) {
	var funnel models.Funnel
	err := s.db.GetContext(ctx, &funnel, "SELECT * FROM funnels WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &funnel, nil
}

// ListFunnels returns every funnel
func (s *Store) ListFunnels(ctx context.Context) ([]models.Funnel, error) {
	var funnels []models.Funnel
	err := s.db.SelectContext(ctx, &funnels, "SELECT * FROM funnels ORDER BY id")
	return funnels, err
}

// ListActiveStepsSortedByPriority returns the effective step sequence of a funnel
func (s *Store) ListActiveStepsSortedByPriority(ctx context.Context, funnelID int64) ([]models.FunnelStep, error) {
	var steps []models.FunnelStep
	err := s.db.SelectContext(ctx, &steps, `
		SELECT * FROM funnel_steps
		WHERE funnel_id = $1 AND is_active = TRUE
		ORDER BY priority ASC, id ASC`, funnelID)
	return steps, err
}

// ListSteps returns all steps of a funnel including inactive ones
func (s *Store) ListSteps(ctx context.Context, funnelID int64) ([]models.FunnelStep, error) {
	var steps []models.FunnelStep
	err := s.db.SelectContext(ctx, &steps, `
		SELECT * FROM funnel_steps
		WHERE funnel_id = $1
		ORDER BY priority ASC, id ASC`, funnelID)
	return steps, err
}

// GetStepsByIDs returns the steps with the given IDs in no particular order
func (s *Store) GetStepsByIDs(ctx context.Context, ids []int64) ([]models.FunnelStep, error) {
	if len(ids) == 0 {
		return []models.FunnelStep{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM funnel_steps WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var steps []models.FunnelStep
	err = s.db.SelectContext(ctx, &steps, query, args...)
	return steps, err
}

// CreateFunnel inserts a funnel
func (s *Store) CreateFunnel(ctx context.Context, funnel *models.Funnel) error {
	query := `
		INSERT INTO funnels (name, description, entry_product_id, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		funnel.Name, funnel.Description, funnel.EntryProductID, funnel.IsActive).
		Scan(&funnel.ID, &funnel.CreatedAt, &funnel.UpdatedAt)
}

// CreateStep inserts a funnel step
func (s *Store) CreateStep(ctx context.Context, step *models.FunnelStep) error {
	query := `
		INSERT INTO funnel_steps (funnel_id, step_type, offer_product_id, priority, price_override,
			headline, subheadline, cta_text, decline_text, countdown_seconds, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`

	return s.db.QueryRowxContext(ctx, query,
		step.FunnelID, step.StepType, step.OfferProductID, step.Priority, step.PriceOverride,
		step.Headline, step.Subheadline, step.CTAText, step.DeclineText, step.CountdownSeconds, step.IsActive).
		Scan(&step.ID, &step.CreatedAt)
}
