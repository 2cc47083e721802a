package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"

	"funnel-service/internal/models"
	"funnel-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChargeStore persists simulated charges
type ChargeStore interface {
	CreateCharge(ctx context.Context, charge *models.Charge) error
	GetCharge(ctx context.Context, id string) (*models.Charge, error)
	UpdateChargeStatus(ctx context.Context, id, status string) error
}

// SimulatedGateway is a local stand-in for the payment provider. Intents are
// stored in Postgres and settle when Confirm is called.
type SimulatedGateway struct {
	store       ChargeStore
	logger      *zap.Logger
	successRate float64
	rand        func() float64
}

// NewSimulatedGateway creates a simulated gateway; successRate is the
// probability (0.0 - 1.0) that Confirm settles a charge as succeeded
func NewSimulatedGateway(store ChargeStore, successRate float64) *SimulatedGateway {
	return &SimulatedGateway{
		store:       store,
		logger:      util.GetLogger(),
		successRate: successRate,
		rand:        rand.Float64,
	}
}

// CreateChargeIntent records a pending charge
func (g *SimulatedGateway) CreateChargeIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*ChargeIntent, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal charge metadata: %w", err)
	}

	id := fmt.Sprintf("sim_%s", uuid.New().String())
	charge := &models.Charge{
		ID:           id,
		ClientSecret: fmt.Sprintf("%s_secret_%s", id, uuid.New().String()[:8]),
		Amount:       amount,
		Currency:     currency,
		Status:       models.ChargeStatusPending,
		Metadata:     meta,
	}

	if err := g.store.CreateCharge(ctx, charge); err != nil {
		return nil, fmt.Errorf("failed to create charge: %w", err)
	}

	g.logger.Info("Simulated charge intent created",
		zap.String("charge_id", charge.ID),
		zap.Int64("amount", amount))

	return &ChargeIntent{
		ChargeID:     charge.ID,
		ClientSecret: charge.ClientSecret,
		Amount:       charge.Amount,
		Currency:     charge.Currency,
	}, nil
}

// RetrieveCharge returns the stored charge
func (g *SimulatedGateway) RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error) {
	charge, err := g.store.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load charge: %w", err)
	}
	if charge == nil {
		return nil, ErrChargeNotFound
	}

	var metadata map[string]string
	if len(charge.Metadata) > 0 {
		if err := json.Unmarshal(charge.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal charge metadata: %w", err)
		}
	}

	return &Charge{
		ID:       charge.ID,
		Status:   charge.Status,
		Amount:   charge.Amount,
		Currency: charge.Currency,
		Metadata: metadata,
	}, nil
}

// Confirm settles a pending charge, succeeding with the configured probability.
// Settled charges are returned unchanged.
func (g *SimulatedGateway) Confirm(ctx context.Context, chargeID string) (*Charge, error) {
	charge, err := g.RetrieveCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if charge.Status != models.ChargeStatusPending {
		return charge, nil
	}

	status := models.ChargeStatusFailed
	if g.rand() < g.successRate {
		status = models.ChargeStatusSucceeded
	}

	if err := g.store.UpdateChargeStatus(ctx, chargeID, status); err != nil {
		return nil, fmt.Errorf("failed to update charge status: %w", err)
	}

	if status == models.ChargeStatusSucceeded {
		g.logger.Info("Simulated charge succeeded", zap.String("charge_id", chargeID))
	} else {
		g.logger.Warn("Simulated charge declined", zap.String("charge_id", chargeID))
	}

	charge.Status = status
	return charge, nil
}
