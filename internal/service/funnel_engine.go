package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"funnel-service/config"
	"funnel-service/internal/broker"
	"funnel-service/internal/models"
	"funnel-service/internal/payment"
	"funnel-service/internal/store"
	"funnel-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// lockReleaseTimeout bounds the lock release, which runs even after the
// request context is done
const lockReleaseTimeout = 2 * time.Second

// EngineConfig tunes the funnel engine
type EngineConfig struct {
	SequenceMode string
	Currency     string
	LockTTL      time.Duration
	// RequireLock rejects mutations when the lock backend is unreachable
	// instead of falling back to the conditional write alone
	RequireLock bool
	IntentReuse time.Duration
}

// FunnelEngine drives buyers through post-purchase offer sequences
type FunnelEngine struct {
	store   FunnelStore
	gateway payment.Gateway
	locker  SessionLocker
	events  EventPublisher
	cfg     EngineConfig
	logger  *zap.Logger
	now     func() time.Time
}

// NewFunnelEngine creates a new funnel engine. locker may be nil.
func NewFunnelEngine(
	store FunnelStore,
	gateway payment.Gateway,
	locker SessionLocker,
	events EventPublisher,
	cfg EngineConfig,
) *FunnelEngine {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.SequenceMode != config.SequenceDynamic {
		cfg.SequenceMode = config.SequenceFrozen
	}
	return &FunnelEngine{
		store:   store,
		gateway: gateway,
		locker:  locker,
		events:  events,
		cfg:     cfg,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// StepView is one offer as presented to the buyer
type StepView struct {
	Step        *models.FunnelStep `json:"step"`
	Product     *models.Product    `json:"product"`
	Price       int64              `json:"price"`
	Position    int                `json:"position"`
	TotalSteps  int                `json:"total_steps"`
	IsLastStep  bool               `json:"is_last_step"`
	CTAText     string             `json:"cta_text"`
	DeclineText string             `json:"decline_text"`
}

// Progress is the session state plus the step the buyer should see next.
// Next is nil once the session is terminal.
type Progress struct {
	Session    *models.FunnelSession `json:"session"`
	Completed  bool                  `json:"completed"`
	IsLastStep bool                  `json:"is_last_step"`
	Next       *StepView             `json:"next,omitempty"`
}

// StartResult carries the started session, or a nil session when the product
// has no usable funnel
type StartResult struct {
	Session *models.FunnelSession `json:"session"`
	Resumed bool                  `json:"resumed"`
}

// PaymentRequest is returned when an accepted step must be paid for first
type PaymentRequest struct {
	ChargeID     string          `json:"charge_id"`
	ClientSecret string          `json:"client_secret"`
	Amount       int64           `json:"amount"`
	Currency     string          `json:"currency"`
	StepID       int64           `json:"step_id"`
	Product      *models.Product `json:"product"`
}

// RespondResult is the outcome of accepting or declining a step
type RespondResult struct {
	Progress
	PaymentRequired bool             `json:"payment_required"`
	Payment         *PaymentRequest  `json:"payment,omitempty"`
	Purchase        *models.Purchase `json:"purchase,omitempty"`
}

// CompleteResult is the outcome of finalizing a paid step
type CompleteResult struct {
	Progress
	Purchase *models.Purchase `json:"purchase"`
	Replayed bool             `json:"replayed"`
}

// SessionDetail is a session with the purchases it produced
type SessionDetail struct {
	Session   *models.FunnelSession `json:"session"`
	Purchases []models.Purchase     `json:"purchases"`
}

// StartSession opens a funnel session for an entry purchase. Calling it again
// for the same purchase returns the existing session.
func (e *FunnelEngine) StartSession(ctx context.Context, userID string, entryPurchaseID, productID int64) (*StartResult, error) {
	ctx, span := util.StartSpan(ctx, "FunnelEngine.StartSession",
		attribute.Int64("entry_purchase_id", entryPurchaseID),
		attribute.Int64("product_id", productID))
	defer span.End()

	purchase, err := e.store.GetPurchaseByID(ctx, entryPurchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entry purchase: %w", err)
	}
	if purchase == nil {
		return nil, notFound("purchase %d", entryPurchaseID)
	}
	if purchase.UserID != userID {
		return nil, accessDenied("purchase %d belongs to another user", entryPurchaseID)
	}
	if purchase.ProductID != productID {
		return nil, invalidArgument("purchase %d is not for product %d", entryPurchaseID, productID)
	}
	if purchase.IsDependent() {
		return nil, invalidArgument("purchase %d is an order bump and cannot start a funnel", entryPurchaseID)
	}

	funnel, err := e.store.GetFunnelByEntryProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel: %w", err)
	}
	if funnel == nil || !funnel.IsActive {
		e.logger.Debug("No active funnel for product", zap.Int64("product_id", productID))
		return &StartResult{}, nil
	}

	steps, err := e.store.ListActiveStepsSortedByPriority(ctx, funnel.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel steps: %w", err)
	}
	if len(steps) == 0 {
		e.logger.Debug("Funnel has no active steps", zap.Int64("funnel_id", funnel.ID))
		return &StartResult{}, nil
	}

	sequence := make([]int64, len(steps))
	for i := range steps {
		sequence[i] = steps[i].ID
	}

	session, created, err := e.store.CreateSession(ctx, &models.FunnelSession{
		UserID:          userID,
		FunnelID:        funnel.ID,
		EntryPurchaseID: entryPurchaseID,
		StepSequence:    sequence,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create funnel session: %w", err)
	}

	if !created {
		e.logger.Info("Resuming funnel session",
			zap.Int64("session_id", session.ID),
			zap.Int64("entry_purchase_id", entryPurchaseID))
		return &StartResult{Session: session, Resumed: true}, nil
	}

	util.FunnelSessionsStartedTotal.Inc()
	e.logger.Info("Funnel session started",
		zap.Int64("session_id", session.ID),
		zap.Int64("funnel_id", funnel.ID),
		zap.Int("steps", len(sequence)))

	event := &models.SessionStartedEvent{
		BaseEvent:       broker.NewBaseEvent(models.EventTypeSessionStarted),
		SessionID:       session.ID,
		FunnelID:        session.FunnelID,
		UserID:          session.UserID,
		EntryPurchaseID: session.EntryPurchaseID,
	}
	if err := e.events.PublishSessionStarted(ctx, event); err != nil {
		e.logger.Error("Failed to publish SessionStarted event", zap.Error(err))
	}

	return &StartResult{Session: session}, nil
}

// GetSession returns an owned session with its purchases
func (e *FunnelEngine) GetSession(ctx context.Context, sessionID int64, userID string) (*SessionDetail, error) {
	ctx, span := util.StartSpan(ctx, "FunnelEngine.GetSession")
	defer span.End()

	session, err := e.loadOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	purchases, err := e.store.ListPurchasesForSession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session purchases: %w", err)
	}
	return &SessionDetail{Session: session, Purchases: purchases}, nil
}

// GetNextStep returns the current step of an active session. A session whose
// cursor has run past the sequence is completed here.
func (e *FunnelEngine) GetNextStep(ctx context.Context, sessionID int64, userID string) (*Progress, error) {
	ctx, span := util.StartSpan(ctx, "FunnelEngine.GetNextStep", attribute.Int64("session_id", sessionID))
	defer span.End()

	session, err := e.loadOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return terminalProgress(session), nil
	}

	sequence, err := e.effectiveSequence(ctx, session)
	if err != nil {
		return nil, err
	}
	if session.CurrentStepIndex >= len(sequence) {
		return e.finalize(ctx, session)
	}
	return e.progressAt(ctx, session, sequence)
}

// RespondToStep records an accept or decline of the current step. Paid accepts
// return a charge intent and leave the session untouched until CompleteStep.
func (e *FunnelEngine) RespondToStep(ctx context.Context, sessionID int64, userID string, stepID int64, accepted bool) (*RespondResult, error) {
	ctx, span := util.StartSpan(ctx, "FunnelEngine.RespondToStep",
		attribute.Int64("session_id", sessionID),
		attribute.Int64("step_id", stepID),
		attribute.Bool("accepted", accepted))
	defer span.End()

	var result *RespondResult
	err := e.withSessionLock(ctx, sessionID, func() error {
		var err error
		result, err = e.respond(ctx, sessionID, userID, stepID, accepted)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

func (e *FunnelEngine) respond(ctx context.Context, sessionID int64, userID string, stepID int64, accepted bool) (*RespondResult, error) {
	session, err := e.loadOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return &RespondResult{Progress: *terminalProgress(session)}, nil
	}

	sequence, err := e.effectiveSequence(ctx, session)
	if err != nil {
		return nil, err
	}
	if session.CurrentStepIndex >= len(sequence) {
		progress, err := e.finalize(ctx, session)
		if err != nil {
			return nil, err
		}
		return &RespondResult{Progress: *progress}, nil
	}

	current, err := e.currentStep(ctx, session, sequence, stepID)
	if err != nil {
		return nil, err
	}

	if !accepted {
		progress, err := e.advance(ctx, session, sequence, current, false, nil)
		if err != nil {
			return nil, err
		}
		return &RespondResult{Progress: *progress}, nil
	}

	if current.Price <= 0 {
		purchase := &models.Purchase{
			UserID:           session.UserID,
			ProductID:        current.Product.ID,
			Amount:           0,
			ParentPurchaseID: int64Ptr(session.EntryPurchaseID),
			FunnelSessionID:  int64Ptr(session.ID),
			FunnelStepID:     int64Ptr(current.Step.ID),
		}
		progress, err := e.advance(ctx, session, sequence, current, true, purchase)
		if err != nil {
			return nil, err
		}
		return &RespondResult{Progress: *progress, Purchase: purchase}, nil
	}

	intent, err := e.chargeIntentFor(ctx, session, current)
	if err != nil {
		return nil, err
	}
	util.FunnelStepResponsesTotal.WithLabelValues(string(current.Step.StepType), "payment_requested").Inc()

	return &RespondResult{
		Progress: Progress{
			Session:    session,
			IsLastStep: current.IsLastStep,
			Next:       current,
		},
		PaymentRequired: true,
		Payment: &PaymentRequest{
			ChargeID:     intent.ChargeID,
			ClientSecret: intent.ClientSecret,
			Amount:       current.Price,
			Currency:     e.cfg.Currency,
			StepID:       current.Step.ID,
			Product:      current.Product,
		},
	}, nil
}

// CompleteStep finalizes a paid accept once the charge has succeeded. Retrying
// with the same charge returns the original purchase.
func (e *FunnelEngine) CompleteStep(ctx context.Context, sessionID int64, userID string, stepID int64, chargeID string) (*CompleteResult, error) {
	ctx, span := util.StartSpan(ctx, "FunnelEngine.CompleteStep",
		attribute.Int64("session_id", sessionID),
		attribute.Int64("step_id", stepID),
		attribute.String("charge_id", chargeID))
	defer span.End()

	if chargeID == "" {
		return nil, invalidArgument("charge_id is required")
	}

	var result *CompleteResult
	err := e.withSessionLock(ctx, sessionID, func() error {
		var err error
		result, err = e.complete(ctx, sessionID, userID, stepID, chargeID)
		return err
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

func (e *FunnelEngine) complete(ctx context.Context, sessionID int64, userID string, stepID int64, chargeID string) (*CompleteResult, error) {
	session, err := e.loadOwnedSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	replay, err := e.replayCompletion(ctx, session, stepID, chargeID)
	if err != nil || replay != nil {
		return replay, err
	}

	if session.IsTerminal() {
		e.logger.Warn("Charge presented for a closed funnel session",
			zap.Int64("session_id", session.ID),
			zap.String("status", string(session.Status)),
			zap.Int64("step_id", stepID),
			zap.String("charge_id", chargeID))
		return nil, invalidArgument("funnel session %d is %s", session.ID, session.Status)
	}

	sequence, err := e.effectiveSequence(ctx, session)
	if err != nil {
		return nil, err
	}
	if session.CurrentStepIndex >= len(sequence) {
		return nil, invalidArgument("funnel session %d has no pending step", session.ID)
	}

	current, err := e.currentStep(ctx, session, sequence, stepID)
	if err != nil {
		return nil, err
	}
	if current.Price <= 0 {
		return nil, invalidArgument("step %d is free and is accepted without payment", stepID)
	}

	charge, err := e.gateway.RetrieveCharge(ctx, chargeID)
	if err != nil {
		if errors.Is(err, payment.ErrChargeNotFound) {
			return nil, paymentNotConfirmed("charge %s not found", chargeID)
		}
		return nil, upstreamPayment("retrieve charge", err)
	}
	if !charge.Succeeded() {
		if !charge.Payable() {
			e.forgetChargeIntent(ctx, session, current, chargeID)
		}
		return nil, paymentNotConfirmed("charge %s is %s", chargeID, charge.Status)
	}
	if charge.Amount != current.Price {
		return nil, invalidArgument("charge amount %d does not match step price %d", charge.Amount, current.Price)
	}
	if err := checkChargeMetadata(charge, session, current); err != nil {
		return nil, err
	}

	purchase := &models.Purchase{
		UserID:          session.UserID,
		ProductID:       current.Product.ID,
		Amount:          current.Price,
		ChargeID:        &chargeID,
		FunnelSessionID: int64Ptr(session.ID),
		FunnelStepID:    int64Ptr(current.Step.ID),
	}

	progress, err := e.advance(ctx, session, sequence, current, true, purchase)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// a concurrent retry with the same charge may have won
			if replay, rerr := e.replayCompletion(ctx, session, stepID, chargeID); rerr == nil && replay != nil {
				return replay, nil
			}
		}
		return nil, err
	}

	return &CompleteResult{Progress: *progress, Purchase: purchase}, nil
}

// replayCompletion returns the earlier result when chargeID was already
// recorded for this session and step. It returns (nil, nil) when there is
// nothing to replay.
func (e *FunnelEngine) replayCompletion(ctx context.Context, session *models.FunnelSession, stepID int64, chargeID string) (*CompleteResult, error) {
	existing, err := e.store.FindPurchaseByCharge(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up purchase by charge: %w", err)
	}

	if existing == nil {
		prior, err := e.store.FindPurchaseBySessionStep(ctx, session.ID, stepID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up step purchase: %w", err)
		}
		if prior != nil {
			return nil, invalidArgument("step %d of funnel session %d was already purchased", stepID, session.ID)
		}
		return nil, nil
	}

	if existing.FunnelSessionID == nil || *existing.FunnelSessionID != session.ID ||
		existing.FunnelStepID == nil || *existing.FunnelStepID != stepID {
		return nil, invalidArgument("charge %s was used for a different purchase", chargeID)
	}

	current, err := e.store.GetSessionByID(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload funnel session: %w", err)
	}
	if current == nil {
		return nil, notFound("funnel session %d", session.ID)
	}

	e.logger.Info("Replaying completed funnel step",
		zap.Int64("session_id", session.ID),
		zap.Int64("step_id", stepID),
		zap.Int64("purchase_id", existing.ID))

	progress := terminalProgress(current)
	if !current.IsTerminal() {
		sequence, err := e.effectiveSequence(ctx, current)
		if err != nil {
			return nil, err
		}
		progress, err = e.progressAt(ctx, current, sequence)
		if err != nil {
			return nil, err
		}
	}

	return &CompleteResult{Progress: *progress, Purchase: existing, Replayed: true}, nil
}

// advance applies one cursor move with its optional purchase
func (e *FunnelEngine) advance(
	ctx context.Context,
	session *models.FunnelSession,
	sequence []models.FunnelStep,
	current *StepView,
	accepted bool,
	purchase *models.Purchase,
) (*Progress, error) {
	outcome := &store.StepOutcome{
		SessionID:     session.ID,
		ExpectedIndex: session.CurrentStepIndex,
		StepID:        current.Step.ID,
		Accepted:      accepted,
		Purchase:      purchase,
		Completes:     session.CurrentStepIndex+1 >= len(sequence),
		CompletedAt:   e.now().Unix(),
	}
	if purchase != nil {
		outcome.Amount = purchase.Amount
	}

	updated, err := e.store.ApplyStepOutcome(ctx, outcome)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrStaleSession):
			util.FunnelConflictsTotal.WithLabelValues("stale_cursor").Inc()
		case errors.Is(err, store.ErrDuplicatePurchase):
			util.FunnelConflictsTotal.WithLabelValues("duplicate_purchase").Inc()
		}
		return nil, conflictFromStore(err)
	}

	e.recordOutcome(ctx, session, updated, current, accepted, purchase)

	progress, err := e.progressAt(ctx, updated, sequence)
	if err != nil {
		e.logger.Warn("Failed to render next step", zap.Int64("session_id", updated.ID), zap.Error(err))
		return &Progress{Session: updated}, nil
	}
	return progress, nil
}

func (e *FunnelEngine) recordOutcome(
	ctx context.Context,
	before, after *models.FunnelSession,
	current *StepView,
	accepted bool,
	purchase *models.Purchase,
) {
	outcome, eventType := "declined", models.EventTypeStepDeclined
	if accepted {
		outcome, eventType = "accepted", models.EventTypeStepAccepted
	}
	util.FunnelStepResponsesTotal.WithLabelValues(string(current.Step.StepType), outcome).Inc()

	e.logger.Info("Funnel step "+outcome,
		zap.Int64("session_id", after.ID),
		zap.Int64("step_id", current.Step.ID),
		zap.Int("step_index", before.CurrentStepIndex))

	var amount int64
	if purchase != nil {
		amount = purchase.Amount
		util.FunnelRevenueCentsTotal.Add(float64(amount))
		util.PurchasesRecordedTotal.WithLabelValues("funnel").Inc()
		publishPurchaseRecorded(ctx, e.events, e.logger, purchase)
	}

	stepEvent := &models.StepRespondedEvent{
		BaseEvent: broker.NewBaseEvent(eventType),
		SessionID: after.ID,
		FunnelID:  after.FunnelID,
		StepID:    current.Step.ID,
		UserID:    after.UserID,
		Amount:    amount,
		StepIndex: before.CurrentStepIndex,
	}
	if err := e.events.PublishStepResponded(ctx, stepEvent); err != nil {
		e.logger.Error("Failed to publish StepResponded event", zap.Error(err))
	}

	if after.Status == models.SessionStatusCompleted {
		e.sessionCompleted(ctx, after)
	}
}

// finalize completes a session whose cursor is past the end of its sequence
func (e *FunnelEngine) finalize(ctx context.Context, session *models.FunnelSession) (*Progress, error) {
	completed, err := e.store.MarkSessionCompleted(ctx, session.ID, e.now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to complete funnel session: %w", err)
	}
	if completed.Status == models.SessionStatusCompleted && session.Status == models.SessionStatusActive {
		e.sessionCompleted(ctx, completed)
	}
	return terminalProgress(completed), nil
}

func (e *FunnelEngine) sessionCompleted(ctx context.Context, session *models.FunnelSession) {
	util.FunnelSessionsCompletedTotal.Inc()
	e.logger.Info("Funnel session completed",
		zap.Int64("session_id", session.ID),
		zap.Int64("total_revenue", session.TotalRevenue))

	var completedAt int64
	if session.CompletedAt != nil {
		completedAt = *session.CompletedAt
	}
	event := &models.SessionCompletedEvent{
		BaseEvent:    broker.NewBaseEvent(models.EventTypeSessionCompleted),
		SessionID:    session.ID,
		FunnelID:     session.FunnelID,
		UserID:       session.UserID,
		TotalRevenue: session.TotalRevenue,
		CompletedAt:  completedAt,
	}
	if err := e.events.PublishSessionCompleted(ctx, event); err != nil {
		e.logger.Error("Failed to publish SessionCompleted event", zap.Error(err))
	}
}

func (e *FunnelEngine) loadOwnedSession(ctx context.Context, sessionID int64, userID string) (*models.FunnelSession, error) {
	session, err := e.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel session: %w", err)
	}
	if session == nil {
		return nil, notFound("funnel session %d", sessionID)
	}
	if session.UserID != userID {
		return nil, accessDenied("funnel session %d belongs to another user", sessionID)
	}
	return session, nil
}

// effectiveSequence returns the ordered steps the session's cursor indexes.
// Frozen sessions resolve the ids captured at start; rows deleted since are
// skipped. Dynamic sessions re-read the funnel's active steps.
func (e *FunnelEngine) effectiveSequence(ctx context.Context, session *models.FunnelSession) ([]models.FunnelStep, error) {
	if e.cfg.SequenceMode == config.SequenceDynamic || len(session.StepSequence) == 0 {
		steps, err := e.store.ListActiveStepsSortedByPriority(ctx, session.FunnelID)
		if err != nil {
			return nil, fmt.Errorf("failed to load funnel steps: %w", err)
		}
		return steps, nil
	}

	rows, err := e.store.GetStepsByIDs(ctx, session.StepSequence)
	if err != nil {
		return nil, fmt.Errorf("failed to load funnel steps: %w", err)
	}
	byID := make(map[int64]models.FunnelStep, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	sequence := make([]models.FunnelStep, 0, len(session.StepSequence))
	for _, id := range session.StepSequence {
		if step, ok := byID[id]; ok {
			sequence = append(sequence, step)
		}
	}
	return sequence, nil
}

// currentStep resolves stepID and requires it to sit at the session cursor
func (e *FunnelEngine) currentStep(ctx context.Context, session *models.FunnelSession, sequence []models.FunnelStep, stepID int64) (*StepView, error) {
	pos := -1
	for i := range sequence {
		if sequence[i].ID == stepID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, notFound("step %d is not part of funnel session %d", stepID, session.ID)
	}
	if pos != session.CurrentStepIndex {
		return nil, invalidArgument("step %d is not the current step of funnel session %d", stepID, session.ID)
	}
	if session.HasResponded(stepID) {
		return nil, invalidArgument("step %d was already answered in funnel session %d", stepID, session.ID)
	}
	return e.stepView(ctx, sequence, pos)
}

func (e *FunnelEngine) stepView(ctx context.Context, sequence []models.FunnelStep, pos int) (*StepView, error) {
	step := sequence[pos]
	product, err := e.store.GetProductByID(ctx, step.OfferProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offer product: %w", err)
	}
	if product == nil {
		return nil, notFound("offer product %d of step %d", step.OfferProductID, step.ID)
	}

	return &StepView{
		Step:        &step,
		Product:     product,
		Price:       step.EffectivePrice(product),
		Position:    pos,
		TotalSteps:  len(sequence),
		IsLastStep:  pos == len(sequence)-1,
		CTAText:     step.CTA(),
		DeclineText: step.Decline(),
	}, nil
}

func (e *FunnelEngine) progressAt(ctx context.Context, session *models.FunnelSession, sequence []models.FunnelStep) (*Progress, error) {
	if session.IsTerminal() || session.CurrentStepIndex >= len(sequence) {
		return terminalProgress(session), nil
	}
	view, err := e.stepView(ctx, sequence, session.CurrentStepIndex)
	if err != nil {
		return nil, err
	}
	return &Progress{Session: session, IsLastStep: view.IsLastStep, Next: view}, nil
}

func terminalProgress(session *models.FunnelSession) *Progress {
	return &Progress{
		Session:    session,
		Completed:  session.Status == models.SessionStatusCompleted,
		IsLastStep: true,
	}
}

func intentKey(session *models.FunnelSession, current *StepView) string {
	return fmt.Sprintf("intent:%d:%d:%d", session.ID, current.Step.ID, session.CurrentStepIndex)
}

// chargeIntentFor returns a charge intent for the current step, reusing one
// minted for the same cursor position within IntentReuse while the provider
// still reports it payable
func (e *FunnelEngine) chargeIntentFor(ctx context.Context, session *models.FunnelSession, current *StepView) (*payment.ChargeIntent, error) {
	key := intentKey(session, current)
	reuse := e.locker != nil && e.cfg.IntentReuse > 0

	if reuse {
		if cached := e.reusableIntent(ctx, key, current.Price); cached != nil {
			return cached, nil
		}
	}

	metadata := map[string]string{
		payment.MetaProductID:       strconv.FormatInt(current.Product.ID, 10),
		payment.MetaUserID:          session.UserID,
		payment.MetaFunnelSessionID: strconv.FormatInt(session.ID, 10),
		payment.MetaFunnelStepID:    strconv.FormatInt(current.Step.ID, 10),
	}
	intent, err := e.gateway.CreateChargeIntent(ctx, current.Price, e.cfg.Currency, metadata)
	if err != nil {
		return nil, upstreamPayment("create charge intent", err)
	}
	intent.Amount = current.Price

	if reuse {
		if err := e.locker.SetIdempotencyKey(ctx, key, intent, e.cfg.IntentReuse); err != nil {
			e.logger.Warn("Failed to cache charge intent", zap.String("key", key), zap.Error(err))
		}
	}
	return intent, nil
}

func (e *FunnelEngine) reusableIntent(ctx context.Context, key string, price int64) *payment.ChargeIntent {
	var cached payment.ChargeIntent
	found, err := e.locker.GetIdempotencyKey(ctx, key, &cached)
	if err != nil {
		e.logger.Warn("Failed to read cached charge intent", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !found || cached.Amount != price {
		return nil
	}

	// an unverifiable intent is kept rather than risking a second payable charge
	charge, err := e.gateway.RetrieveCharge(ctx, cached.ChargeID)
	if errors.Is(err, payment.ErrChargeNotFound) {
		return nil
	}
	if err != nil {
		e.logger.Warn("Failed to check cached charge intent",
			zap.String("charge_id", cached.ChargeID), zap.Error(err))
		return &cached
	}
	if !charge.Payable() {
		return nil
	}
	return &cached
}

// forgetChargeIntent drops the cached intent for the current step when it
// refers to chargeID
func (e *FunnelEngine) forgetChargeIntent(ctx context.Context, session *models.FunnelSession, current *StepView, chargeID string) {
	if e.locker == nil || e.cfg.IntentReuse <= 0 {
		return
	}
	key := intentKey(session, current)
	var cached payment.ChargeIntent
	found, err := e.locker.GetIdempotencyKey(ctx, key, &cached)
	if err != nil || !found || cached.ChargeID != chargeID {
		return
	}
	if err := e.locker.DeleteIdempotencyKey(ctx, key); err != nil {
		e.logger.Warn("Failed to drop cached charge intent", zap.String("key", key), zap.Error(err))
	}
}

// withSessionLock runs fn while holding the session's advisory lock
func (e *FunnelEngine) withSessionLock(ctx context.Context, sessionID int64, fn func() error) error {
	if e.locker == nil {
		return fn()
	}

	key := fmt.Sprintf("funnel-session:%d", sessionID)
	token, ok, err := e.locker.AcquireLock(ctx, key, e.cfg.LockTTL)
	if err != nil {
		if e.cfg.RequireLock {
			return fmt.Errorf("%w: session lock unavailable", ErrConflict)
		}
		e.logger.Warn("Session lock unavailable, relying on conditional write",
			zap.Int64("session_id", sessionID), zap.Error(err))
		return fn()
	}
	if !ok {
		util.FunnelConflictsTotal.WithLabelValues("locked").Inc()
		return fmt.Errorf("%w: funnel session %d is being modified", ErrConflict, sessionID)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := e.locker.ReleaseLock(releaseCtx, key, token); err != nil {
			e.logger.Warn("Failed to release session lock", zap.Int64("session_id", sessionID), zap.Error(err))
		}
	}()

	return fn()
}

// checkChargeMetadata requires the charge to have been minted for this
// session, step and offered product. The user id is checked when present.
func checkChargeMetadata(charge *payment.Charge, session *models.FunnelSession, current *StepView) error {
	if v := charge.Metadata[payment.MetaFunnelSessionID]; v != strconv.FormatInt(session.ID, 10) {
		return invalidArgument("charge %s was not created for funnel session %d", charge.ID, session.ID)
	}
	if v := charge.Metadata[payment.MetaFunnelStepID]; v != strconv.FormatInt(current.Step.ID, 10) {
		return invalidArgument("charge %s was not created for step %d", charge.ID, current.Step.ID)
	}
	if v := charge.Metadata[payment.MetaProductID]; v != strconv.FormatInt(current.Product.ID, 10) {
		return invalidArgument("charge %s was not created for product %d", charge.ID, current.Product.ID)
	}
	if v, ok := charge.Metadata[payment.MetaUserID]; ok && v != session.UserID {
		return invalidArgument("charge %s belongs to another user", charge.ID)
	}
	return nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
