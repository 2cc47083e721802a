package store

import (
	"context"
	"database/sql"
	"fmt"

	"funnel-service/internal/models"
)

// CreateDownloadGrant inserts a grant, or returns the existing grant for the
// same purchase.
func (s *Store) CreateDownloadGrant(ctx context.Context, grant *models.DownloadGrant) (*models.DownloadGrant, error) {
	query := `
		INSERT INTO download_grants (purchase_id, user_id, product_id, license_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (purchase_id) DO NOTHING
		RETURNING *`

	var created models.DownloadGrant
	err := s.db.GetContext(ctx, &created, query,
		grant.PurchaseID, grant.UserID, grant.ProductID, grant.LicenseKey)
	if err == nil {
		return &created, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to insert download grant: %w", err)
	}

	existing, err := s.GetDownloadGrantByPurchase(ctx, grant.PurchaseID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("download grant for purchase %d vanished", grant.PurchaseID)
	}
	return existing, nil
}

// GetDownloadGrantByPurchase retrieves the grant for a purchase, or nil
func (s *Store) GetDownloadGrantByPurchase(ctx context.Context, purchaseID int64) (*models.DownloadGrant, error) {
	var grant models.DownloadGrant
	err := s.db.GetContext(ctx, &grant,
		"SELECT * FROM download_grants WHERE purchase_id = $1", purchaseID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &grant, nil
}
