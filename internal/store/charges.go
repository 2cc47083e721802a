package store

import (
	"context"
	"database/sql"

	"funnel-service/internal/models"
)

// CreateCharge creates a new charge record
func (s *Store) CreateCharge(ctx context.Context, charge *models.Charge) error {
	query := `
		INSERT INTO charges (id, client_secret, amount, currency, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		charge.ID, charge.ClientSecret, charge.Amount, charge.Currency, charge.Status, charge.Metadata).
		Scan(&charge.CreatedAt, &charge.UpdatedAt)
}

// GetCharge retrieves a charge, or nil when absent
func (s *Store) GetCharge(ctx context.Context, id string) (*models.Charge, error) {
	var charge models.Charge
	err := s.db.GetContext(ctx, &charge, "SELECT * FROM charges WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &charge, nil
}

// UpdateChargeStatus updates charge status
func (s *Store) UpdateChargeStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE charges SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	return err
}
