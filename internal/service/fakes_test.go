package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"funnel-service/internal/models"
	"funnel-service/internal/payment"
	"funnel-service/internal/store"
)

// memStore is an in-memory stand-in for *store.Store that mirrors its
// conditional-write and unique-key behaviour
type memStore struct {
	mu          sync.Mutex
	products    map[int64]*models.Product
	funnels     map[int64]*models.Funnel
	steps       map[int64]*models.FunnelStep
	purchases   []*models.Purchase
	sessions    map[int64]*models.FunnelSession
	grants      map[int64]*models.DownloadGrant
	processed   map[string]string
	nextSession int64
	nextGrant   int64

	sessionListErr map[int64]error
}

func newMemStore() *memStore {
	return &memStore{
		products:       make(map[int64]*models.Product),
		funnels:        make(map[int64]*models.Funnel),
		steps:          make(map[int64]*models.FunnelStep),
		sessions:       make(map[int64]*models.FunnelSession),
		grants:         make(map[int64]*models.DownloadGrant),
		processed:      make(map[string]string),
		sessionListErr: make(map[int64]error),
	}
}

func (m *memStore) addProduct(id int64, price int64) *models.Product {
	p := &models.Product{ID: id, SKU: fmt.Sprintf("SKU-%d", id), Name: fmt.Sprintf("Product %d", id), Price: price,
		DownloadURL: fmt.Sprintf("https://cdn.example.com/assets/%d.pdf", id)}
	m.products[id] = p
	return p
}

func (m *memStore) addFunnel(id, entryProductID int64, active bool) *models.Funnel {
	entry := entryProductID
	f := &models.Funnel{ID: id, Name: fmt.Sprintf("Funnel %d", id), EntryProductID: &entry, IsActive: active}
	m.funnels[id] = f
	return f
}

func (m *memStore) addStep(id, funnelID int64, stepType models.StepType, offerID int64, priority int, override *int64) *models.FunnelStep {
	s := &models.FunnelStep{ID: id, FunnelID: funnelID, StepType: stepType, OfferProductID: offerID,
		Priority: priority, PriceOverride: override, IsActive: true}
	m.steps[id] = s
	return s
}

func (m *memStore) setStepActive(id int64, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[id].IsActive = active
}

func (m *memStore) addPurchase(p models.Purchase) *models.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	cp.ID = int64(len(m.purchases) + 1)
	m.purchases = append(m.purchases, &cp)
	return &cp
}

func (m *memStore) purchasesForSession(sessionID int64) []models.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.FunnelSessionID != nil && *p.FunnelSessionID == sessionID {
			out = append(out, *p)
		}
	}
	return out
}

func (m *memStore) session(id int64) *models.FunnelSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.sessions[id])
}

func copySession(s *models.FunnelSession) *models.FunnelSession {
	if s == nil {
		return nil
	}
	cp := *s
	cp.AcceptedSteps = append([]int64{}, s.AcceptedSteps...)
	cp.DeclinedSteps = append([]int64{}, s.DeclinedSteps...)
	cp.StepSequence = append([]int64{}, s.StepSequence...)
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		cp.CompletedAt = &at
	}
	return &cp
}

func (m *memStore) GetFunnelByEntryProduct(ctx context.Context, productID int64) (*models.Funnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Funnel
	for _, f := range m.funnels {
		if f.EntryProductID == nil || *f.EntryProductID != productID {
			continue
		}
		if found == nil || (f.IsActive && !found.IsActive) || (f.IsActive == found.IsActive && f.ID < found.ID) {
			found = f
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *memStore) GetFunnelByID(ctx context.Context, id int64) (*models.Funnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.funnels[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (m *memStore) ListFunnels(ctx context.Context) ([]models.Funnel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Funnel
	for _, f := range m.funnels {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) sortedSteps(funnelID int64, activeOnly bool) []models.FunnelStep {
	var out []models.FunnelStep
	for _, s := range m.steps {
		if s.FunnelID == funnelID && (!activeOnly || s.IsActive) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) ListActiveStepsSortedByPriority(ctx context.Context, funnelID int64) ([]models.FunnelStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSteps(funnelID, true), nil
}

func (m *memStore) ListSteps(ctx context.Context, funnelID int64) ([]models.FunnelStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSteps(funnelID, false), nil
}

func (m *memStore) GetStepsByIDs(ctx context.Context, ids []int64) ([]models.FunnelStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FunnelStep
	for _, id := range ids {
		if s, ok := m.steps[id]; ok {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

// checkPurchaseLocked mirrors the ledger unique keys and parent rules; m.mu must be held
func (m *memStore) checkPurchaseLocked(p *models.Purchase) error {
	if p.ParentPurchaseID != nil {
		idx := *p.ParentPurchaseID - 1
		if idx < 0 || int(idx) >= len(m.purchases) {
			return store.ErrParentNotFound
		}
		if m.purchases[idx].ParentPurchaseID != nil {
			return store.ErrNestedDependent
		}
	}
	for _, existing := range m.purchases {
		if p.ChargeID != nil && existing.ChargeID != nil && *p.ChargeID == *existing.ChargeID {
			return store.ErrDuplicatePurchase
		}
		if p.FunnelSessionID != nil && p.FunnelStepID != nil &&
			existing.FunnelSessionID != nil && existing.FunnelStepID != nil &&
			*p.FunnelSessionID == *existing.FunnelSessionID && *p.FunnelStepID == *existing.FunnelStepID {
			return store.ErrDuplicatePurchase
		}
	}
	return nil
}

func (m *memStore) appendPurchaseLocked(p *models.Purchase) {
	if p.PurchasedAt == 0 {
		p.PurchasedAt = time.Now().Unix()
	}
	p.ID = int64(len(m.purchases) + 1)
	cp := *p
	m.purchases = append(m.purchases, &cp)
}

func (m *memStore) CreatePurchase(ctx context.Context, p *models.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPurchaseLocked(p); err != nil {
		return err
	}
	m.appendPurchaseLocked(p)
	return nil
}

func (m *memStore) CreatePurchaseGroup(ctx context.Context, root *models.Purchase, children []*models.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkPurchaseLocked(root); err != nil {
		return err
	}
	m.appendPurchaseLocked(root)
	for _, child := range children {
		parent := root.ID
		child.ParentPurchaseID = &parent
		m.appendPurchaseLocked(child)
	}
	return nil
}

func (m *memStore) GetPurchaseByID(ctx context.Context, id int64) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || int(id) > len(m.purchases) {
		return nil, nil
	}
	cp := *m.purchases[id-1]
	return &cp, nil
}

func (m *memStore) FindPurchaseByCharge(ctx context.Context, chargeID string) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.ChargeID != nil && *p.ChargeID == chargeID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindPurchaseBySessionStep(ctx context.Context, sessionID, stepID int64) (*models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.purchases {
		if p.FunnelSessionID != nil && *p.FunnelSessionID == sessionID && p.FunnelStepID != nil && *p.FunnelStepID == stepID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListPurchasesForSession(ctx context.Context, sessionID int64) ([]models.Purchase, error) {
	return m.purchasesForSession(sessionID), nil
}

func (m *memStore) ListPurchasesForFunnel(ctx context.Context, funnelID int64) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.FunnelSessionID == nil {
			continue
		}
		if s, ok := m.sessions[*p.FunnelSessionID]; ok && s.FunnelID == funnelID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) ListChildPurchases(ctx context.Context, parentID int64) ([]models.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Purchase
	for _, p := range m.purchases {
		if p.ParentPurchaseID != nil && *p.ParentPurchaseID == parentID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) CreateSession(ctx context.Context, s *models.FunnelSession) (*models.FunnelSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.sessions {
		if existing.EntryPurchaseID == s.EntryPurchaseID {
			return copySession(existing), false, nil
		}
	}
	m.nextSession++
	now := time.Now()
	created := &models.FunnelSession{
		ID:              m.nextSession,
		UserID:          s.UserID,
		FunnelID:        s.FunnelID,
		EntryPurchaseID: s.EntryPurchaseID,
		Status:          models.SessionStatusActive,
		AcceptedSteps:   []int64{},
		DeclinedSteps:   []int64{},
		StepSequence:    append([]int64{}, s.StepSequence...),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.sessions[created.ID] = created
	return copySession(created), true, nil
}

func (m *memStore) putSession(s *models.FunnelSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID > m.nextSession {
		m.nextSession = s.ID
	}
	m.sessions[s.ID] = copySession(s)
}

func (m *memStore) GetSessionByID(ctx context.Context, id int64) (*models.FunnelSession, error) {
	return m.session(id), nil
}

func (m *memStore) ListSessionsByFunnel(ctx context.Context, funnelID int64) ([]models.FunnelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sessionListErr[funnelID]; err != nil {
		return nil, err
	}
	var out []models.FunnelSession
	for _, s := range m.sessions {
		if s.FunnelID == funnelID {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ApplyStepOutcome(ctx context.Context, o *store.StepOutcome) (*models.FunnelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.Purchase != nil {
		if err := m.checkPurchaseLocked(o.Purchase); err != nil {
			return nil, err
		}
	}
	s, ok := m.sessions[o.SessionID]
	if !ok || s.Status != models.SessionStatusActive || s.CurrentStepIndex != o.ExpectedIndex {
		return nil, store.ErrStaleSession
	}

	if o.Purchase != nil {
		m.appendPurchaseLocked(o.Purchase)
	}
	s.CurrentStepIndex++
	if o.Accepted {
		s.AcceptedSteps = append(s.AcceptedSteps, o.StepID)
	} else {
		s.DeclinedSteps = append(s.DeclinedSteps, o.StepID)
	}
	s.TotalRevenue += o.Amount
	if o.Completes {
		s.Status = models.SessionStatusCompleted
		at := o.CompletedAt
		s.CompletedAt = &at
	}
	s.UpdatedAt = time.Now()
	return copySession(s), nil
}

func (m *memStore) MarkSessionCompleted(ctx context.Context, id int64, completedAt int64) (*models.FunnelSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("funnel session not found: %d", id)
	}
	if s.Status == models.SessionStatusActive {
		s.Status = models.SessionStatusCompleted
		s.CompletedAt = &completedAt
	}
	return copySession(s), nil
}

func (m *memStore) CreateDownloadGrant(ctx context.Context, g *models.DownloadGrant) (*models.DownloadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.grants[g.PurchaseID]; ok {
		cp := *existing
		return &cp, nil
	}
	m.nextGrant++
	cp := *g
	cp.ID = m.nextGrant
	m.grants[g.PurchaseID] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetDownloadGrantByPurchase(ctx context.Context, purchaseID int64) (*models.DownloadGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[purchaseID]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[eventID]
	return ok, nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = eventType
	return nil
}

// fakeGateway records intents and lets tests settle them
type fakeGateway struct {
	mu          sync.Mutex
	charges     map[string]*payment.Charge
	created     int
	createErr   error
	retrieveErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{charges: make(map[string]*payment.Charge)}
}

func (g *fakeGateway) CreateChargeIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*payment.ChargeIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.created++
	id := fmt.Sprintf("ch_%d", g.created)
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	g.charges[id] = &payment.Charge{ID: id, Status: "requires_confirmation", Amount: amount, Currency: currency, Metadata: meta}
	return &payment.ChargeIntent{ChargeID: id, ClientSecret: id + "_secret", Amount: amount, Currency: currency}, nil
}

func (g *fakeGateway) RetrieveCharge(ctx context.Context, chargeID string) (*payment.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	c, ok := g.charges[chargeID]
	if !ok {
		return nil, payment.ErrChargeNotFound
	}
	cp := *c
	return &cp, nil
}

func (g *fakeGateway) succeed(chargeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[chargeID].Status = payment.StatusSucceeded
}

func (g *fakeGateway) fail(chargeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[chargeID].Status = payment.StatusFailed
}

// addCharge registers a charge created outside the engine
func (g *fakeGateway) addCharge(c *payment.Charge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges[c.ID] = c
}

func (g *fakeGateway) intentsCreated() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

// recordingEvents captures published event types
type recordingEvents struct {
	mu    sync.Mutex
	types []string
	fail  bool
}

func (r *recordingEvents) record(t string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	if r.fail {
		return errors.New("broker unavailable")
	}
	return nil
}

func (r *recordingEvents) PublishSessionStarted(ctx context.Context, e *models.SessionStartedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishStepResponded(ctx context.Context, e *models.StepRespondedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishSessionCompleted(ctx context.Context, e *models.SessionCompletedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) PublishPurchaseRecorded(ctx context.Context, e *models.PurchaseRecordedEvent) error {
	return r.record(e.EventType)
}

func (r *recordingEvents) count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.types {
		if got == t {
			n++
		}
	}
	return n
}
