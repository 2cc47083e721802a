package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"funnel-service/internal/models"
	"funnel-service/internal/payment"
	"funnel-service/internal/store"
	"funnel-service/internal/util"

	"go.uber.org/zap"
)

// CheckoutStore is what checkout reads and writes
type CheckoutStore interface {
	DefinitionStore
	ProductCatalog
	PurchaseLedger
}

// CheckoutService handles the entry purchase and its order bumps
type CheckoutService struct {
	store    CheckoutStore
	gateway  payment.Gateway
	events   EventPublisher
	currency string
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(store CheckoutStore, gateway payment.Gateway, events EventPublisher, currency string) *CheckoutService {
	if currency == "" {
		currency = "usd"
	}
	return &CheckoutService{
		store:    store,
		gateway:  gateway,
		events:   events,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// CheckoutRequest represents a request to price a checkout
type CheckoutRequest struct {
	ProductID        int64   `json:"product_id" binding:"required"`
	OrderBumpStepIDs []int64 `json:"order_bump_step_ids"`
}

// CompleteCheckoutRequest represents a paid checkout to record
type CompleteCheckoutRequest struct {
	ProductID        int64   `json:"product_id" binding:"required"`
	ChargeID         string  `json:"charge_id" binding:"required"`
	OrderBumpStepIDs []int64 `json:"order_bump_step_ids"`
}

// BumpLine is one order bump in a quote
type BumpLine struct {
	Step    *models.FunnelStep `json:"step"`
	Product *models.Product    `json:"product"`
	Price   int64              `json:"price"`
}

// CheckoutQuote is the priced cart
type CheckoutQuote struct {
	Product *models.Product `json:"product"`
	Bumps   []BumpLine      `json:"order_bumps"`
	Total   int64           `json:"total"`
}

// CheckoutIntentResponse is returned to the client to collect payment
type CheckoutIntentResponse struct {
	ChargeID     string         `json:"charge_id"`
	ClientSecret string         `json:"client_secret"`
	Amount       int64          `json:"amount"`
	Currency     string         `json:"currency"`
	Quote        *CheckoutQuote `json:"quote"`
}

// CheckoutResult holds the recorded entry purchase and its bumps
type CheckoutResult struct {
	Purchase   *models.Purchase  `json:"purchase"`
	OrderBumps []models.Purchase `json:"order_bumps"`
	Replayed   bool              `json:"replayed"`
}

// CreateCheckoutIntent prices the cart and asks the gateway for a charge intent
func (s *CheckoutService) CreateCheckoutIntent(ctx context.Context, userID string, req *CheckoutRequest) (*CheckoutIntentResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateCheckoutIntent")
	defer span.End()

	quote, err := s.quote(ctx, req.ProductID, req.OrderBumpStepIDs)
	if err != nil {
		return nil, err
	}
	if quote.Total <= 0 {
		return nil, invalidArgument("checkout total must be positive")
	}

	intent, err := s.gateway.CreateChargeIntent(ctx, quote.Total, s.currency, map[string]string{
		payment.MetaProductID: strconv.FormatInt(quote.Product.ID, 10),
		payment.MetaUserID:    userID,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, upstreamPayment("create charge intent", err)
	}

	return &CheckoutIntentResponse{
		ChargeID:     intent.ChargeID,
		ClientSecret: intent.ClientSecret,
		Amount:       quote.Total,
		Currency:     s.currency,
		Quote:        quote,
	}, nil
}

// CompleteCheckout records a paid checkout. Replays of the same charge return
// the purchases recorded the first time.
func (s *CheckoutService) CompleteCheckout(ctx context.Context, userID string, req *CompleteCheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CompleteCheckout")
	defer span.End()

	if replay, err := s.replay(ctx, userID, req); err != nil || replay != nil {
		return replay, err
	}

	quote, err := s.quote(ctx, req.ProductID, req.OrderBumpStepIDs)
	if err != nil {
		return nil, err
	}

	charge, err := s.gateway.RetrieveCharge(ctx, req.ChargeID)
	if err != nil {
		if errors.Is(err, payment.ErrChargeNotFound) {
			return nil, paymentNotConfirmed("charge %s not found", req.ChargeID)
		}
		return nil, upstreamPayment("retrieve charge", err)
	}
	if !charge.Succeeded() {
		return nil, paymentNotConfirmed("charge %s is %s", req.ChargeID, charge.Status)
	}
	if charge.Amount != quote.Total {
		return nil, invalidArgument("charge amount %d does not match checkout total %d", charge.Amount, quote.Total)
	}
	if v, ok := charge.Metadata[payment.MetaUserID]; ok && v != userID {
		return nil, invalidArgument("charge %s belongs to another user", req.ChargeID)
	}

	chargeID := req.ChargeID
	root := &models.Purchase{
		UserID:    userID,
		ProductID: quote.Product.ID,
		Amount:    quote.Product.Price,
		ChargeID:  &chargeID,
	}
	children := make([]*models.Purchase, 0, len(quote.Bumps))
	for _, bump := range quote.Bumps {
		children = append(children, &models.Purchase{
			UserID:    userID,
			ProductID: bump.Product.ID,
			Amount:    bump.Price,
		})
	}

	if err := s.store.CreatePurchaseGroup(ctx, root, children); err != nil {
		if errors.Is(err, store.ErrDuplicatePurchase) {
			if replay, rerr := s.replay(ctx, userID, req); rerr == nil && replay != nil {
				return replay, nil
			}
		}
		return nil, fmt.Errorf("failed to record checkout: %w", conflictFromStore(err))
	}

	util.PurchasesRecordedTotal.WithLabelValues("checkout").Inc()
	publishPurchaseRecorded(ctx, s.events, s.logger, root)

	bumps := make([]models.Purchase, 0, len(children))
	for _, child := range children {
		util.PurchasesRecordedTotal.WithLabelValues("order_bump").Inc()
		publishPurchaseRecorded(ctx, s.events, s.logger, child)
		bumps = append(bumps, *child)
	}

	s.logger.Info("Checkout recorded",
		zap.Int64("purchase_id", root.ID),
		zap.Int("order_bumps", len(bumps)),
		zap.Int64("total", quote.Total))

	return &CheckoutResult{Purchase: root, OrderBumps: bumps}, nil
}

func (s *CheckoutService) replay(ctx context.Context, userID string, req *CompleteCheckoutRequest) (*CheckoutResult, error) {
	existing, err := s.store.FindPurchaseByCharge(ctx, req.ChargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.UserID != userID {
		return nil, accessDenied("charge %s belongs to another user", req.ChargeID)
	}
	if existing.ProductID != req.ProductID || existing.FunnelSessionID != nil {
		return nil, invalidArgument("charge %s was used for a different purchase", req.ChargeID)
	}

	children, err := s.store.ListChildPurchases(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list order bumps: %w", err)
	}
	// free funnel grants also hang off the entry purchase
	bumps := make([]models.Purchase, 0, len(children))
	for _, child := range children {
		if child.FunnelSessionID == nil {
			bumps = append(bumps, child)
		}
	}

	s.logger.Info("Duplicate checkout detected",
		zap.String("charge_id", req.ChargeID),
		zap.Int64("purchase_id", existing.ID))
	return &CheckoutResult{Purchase: existing, OrderBumps: bumps, Replayed: true}, nil
}

// quote prices the product and validates the requested order bumps
func (s *CheckoutService) quote(ctx context.Context, productID int64, bumpStepIDs []int64) (*CheckoutQuote, error) {
	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, notFound("product %d", productID)
	}

	quote := &CheckoutQuote{Product: product, Total: product.Price}
	if len(bumpStepIDs) == 0 {
		return quote, nil
	}

	seen := make(map[int64]bool, len(bumpStepIDs))
	ids := make([]int64, 0, len(bumpStepIDs))
	for _, id := range bumpStepIDs {
		if seen[id] {
			return nil, invalidArgument("order bump %d requested twice", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	funnel, err := s.store.GetFunnelByEntryProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel: %w", err)
	}
	if funnel == nil || !funnel.IsActive {
		return nil, invalidArgument("product %d offers no order bumps", productID)
	}

	steps, err := s.store.GetStepsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load order bumps: %w", err)
	}
	byID := make(map[int64]models.FunnelStep, len(steps))
	offerIDs := make([]int64, 0, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
		offerIDs = append(offerIDs, step.OfferProductID)
	}

	products, err := s.store.GetProductsByIDs(ctx, offerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load order bump products: %w", err)
	}
	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	for _, id := range ids {
		step, ok := byID[id]
		if !ok || step.FunnelID != funnel.ID || !step.IsActive || step.StepType != models.StepTypeOrderBump {
			return nil, invalidArgument("step %d is not an order bump of product %d", id, productID)
		}
		offer := productMap[step.OfferProductID]
		if offer == nil {
			return nil, notFound("order bump product %d", step.OfferProductID)
		}
		price := step.EffectivePrice(offer)
		stepCopy := step
		quote.Bumps = append(quote.Bumps, BumpLine{Step: &stepCopy, Product: offer, Price: price})
		quote.Total += price
	}

	return quote, nil
}

// ClaimFreeProduct records a zero-price grant of a free catalog product
func (s *CheckoutService) ClaimFreeProduct(ctx context.Context, userID string, productID int64) (*models.Purchase, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.ClaimFreeProduct")
	defer span.End()

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if product == nil {
		return nil, notFound("product %d", productID)
	}
	if product.Price != 0 {
		return nil, invalidArgument("product %d is not free", productID)
	}

	purchase := &models.Purchase{
		UserID:    userID,
		ProductID: product.ID,
		Amount:    0,
	}
	if err := s.store.CreatePurchase(ctx, purchase); err != nil {
		return nil, fmt.Errorf("failed to record free grant: %w", conflictFromStore(err))
	}

	util.PurchasesRecordedTotal.WithLabelValues("free").Inc()
	publishPurchaseRecorded(ctx, s.events, s.logger, purchase)
	return purchase, nil
}
