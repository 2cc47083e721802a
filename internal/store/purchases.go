package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"funnel-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreatePurchase appends a purchase to the ledger
func (s *Store) CreatePurchase(ctx context.Context, purchase *models.Purchase) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertPurchase(ctx, tx, purchase); err != nil {
		return err
	}
	return tx.Commit()
}

// CreatePurchaseGroup records a root purchase and its dependent purchases atomically.
// Each child's ParentPurchaseID is set to the new root ID.
func (s *Store) CreatePurchaseGroup(ctx context.Context, root *models.Purchase, children []*models.Purchase) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if root.ParentPurchaseID != nil {
		return fmt.Errorf("root purchase must not have a parent")
	}
	if err := insertPurchase(ctx, tx, root); err != nil {
		return err
	}

	for _, child := range children {
		parentID := root.ID
		child.ParentPurchaseID = &parentID
		if err := insertPurchase(ctx, tx, child); err != nil {
			return fmt.Errorf("failed to record dependent purchase for product %d: %w", child.ProductID, err)
		}
	}

	return tx.Commit()
}

// insertPurchase enforces the single-level parent rule and the ledger's
// unique keys. A collision yields ErrDuplicatePurchase.
func insertPurchase(ctx context.Context, tx *sqlx.Tx, purchase *models.Purchase) error {
	if purchase.ParentPurchaseID != nil {
		var grandparent sql.NullInt64
		err := tx.GetContext(ctx, &grandparent,
			"SELECT parent_purchase_id FROM purchases WHERE id = $1", *purchase.ParentPurchaseID)
		if err == sql.ErrNoRows {
			return ErrParentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check parent purchase: %w", err)
		}
		if grandparent.Valid {
			return ErrNestedDependent
		}
	}

	if purchase.PurchasedAt == 0 {
		purchase.PurchasedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO purchases (user_id, product_id, amount, charge_id, parent_purchase_id,
			funnel_session_id, funnel_step_id, purchased_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING id`

	err := tx.GetContext(ctx, &purchase.ID, query,
		purchase.UserID, purchase.ProductID, purchase.Amount, purchase.ChargeID, purchase.ParentPurchaseID,
		purchase.FunnelSessionID, purchase.FunnelStepID, purchase.PurchasedAt)
	if err == sql.ErrNoRows {
		return ErrDuplicatePurchase
	}
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

// GetPurchaseByID retrieves a purchase, or nil when absent
func (s *Store) GetPurchaseByID(ctx context.Context, id int64) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.GetContext(ctx, &purchase, "SELECT * FROM purchases WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// FindPurchaseByCharge retrieves the purchase paid by a charge, or nil
func (s *Store) FindPurchaseByCharge(ctx context.Context, chargeID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.GetContext(ctx, &purchase, "SELECT * FROM purchases WHERE charge_id = $1", chargeID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// FindPurchaseBySessionStep retrieves the purchase produced by a funnel step, or nil
func (s *Store) FindPurchaseBySessionStep(ctx context.Context, sessionID, stepID int64) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.GetContext(ctx, &purchase,
		"SELECT * FROM purchases WHERE funnel_session_id = $1 AND funnel_step_id = $2", sessionID, stepID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// ListPurchasesForSession returns purchases produced by a funnel session
func (s *Store) ListPurchasesForSession(ctx context.Context, sessionID int64) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		"SELECT * FROM purchases WHERE funnel_session_id = $1 ORDER BY id", sessionID)
	return purchases, err
}

// ListPurchasesForFunnel returns purchases produced by any session of a funnel
func (s *Store) ListPurchasesForFunnel(ctx context.Context, funnelID int64) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases, `
		SELECT p.* FROM purchases p
		JOIN funnel_sessions fs ON fs.id = p.funnel_session_id
		WHERE fs.funnel_id = $1
		ORDER BY p.id`, funnelID)
	return purchases, err
}

// ListChildPurchases returns the dependent purchases of a parent
func (s *Store) ListChildPurchases(ctx context.Context, parentID int64) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		"SELECT * FROM purchases WHERE parent_purchase_id = $1 ORDER BY id", parentID)
	return purchases, err
}
