package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"funnel-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sessionColumns = []string{
	"id", "user_id", "funnel_id", "entry_purchase_id", "current_step_index", "status",
	"accepted_steps", "declined_steps", "step_sequence", "total_revenue", "completed_at",
	"created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(sqlx.NewDb(db, "postgres")), mock
}

func TestGetFunnelByEntryProduct(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "name", "description", "entry_product_id", "is_active", "created_at", "updated_at"}).
		AddRow(3, "Listing SOP", "", 10, true, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM funnels")).
		WithArgs(int64(10)).
		WillReturnRows(rows)

	funnel, err := store.GetFunnelByEntryProduct(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, funnel)
	assert.Equal(t, int64(3), funnel.ID)
	require.NotNil(t, funnel.EntryProductID)
	assert.Equal(t, int64(10), *funnel.EntryProductID)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM funnels")).
		WithArgs(int64(11)).
		WillReturnError(sql.ErrNoRows)

	funnel, err = store.GetFunnelByEntryProduct(ctx, 11)
	assert.NoError(t, err)
	assert.Nil(t, funnel)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListActiveStepsSortedByPriority(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"id", "funnel_id", "step_type", "offer_product_id", "priority", "price_override",
		"headline", "subheadline", "cta_text", "decline_text", "countdown_seconds", "is_active", "created_at",
	}).
		AddRow(1, 3, "upsell", 20, 1, nil, "", "", "", "", 0, true, now).
		AddRow(2, 3, "downsell", 21, 2, 1900, "", "", "", "", 300, true, now)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE funnel_id = $1 AND is_active = TRUE")).
		WithArgs(int64(3)).
		WillReturnRows(rows)

	steps, err := store.ListActiveStepsSortedByPriority(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepTypeUpsell, steps[0].StepType)
	assert.Nil(t, steps[0].PriceOverride)
	require.NotNil(t, steps[1].PriceOverride)
	assert.Equal(t, int64(1900), *steps[1].PriceOverride)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStepOutcome_Decline(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("declined_steps = array_append(declined_steps, $3::BIGINT)")).
		WithArgs(int64(7), 0, int64(1), int64(0), models.SessionStatusActive, nil).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow(7, "u1", 3, 50, 1, "active", "{}", "{1}", "{1,2}", 0, nil, now, now))
	mock.ExpectCommit()

	session, err := store.ApplyStepOutcome(context.Background(), &StepOutcome{
		SessionID:     7,
		ExpectedIndex: 0,
		StepID:        1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, session.CurrentStepIndex)
	assert.Equal(t, []int64{1}, []int64(session.DeclinedSteps))
	assert.Empty(t, session.AcceptedSteps)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStepOutcome_StaleCursor(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE funnel_sessions")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.ApplyStepOutcome(context.Background(), &StepOutcome{
		SessionID:     7,
		ExpectedIndex: 0,
		StepID:        1,
		Accepted:      true,
		Amount:        4900,
		Completes:     true,
		CompletedAt:   1700000000,
	})
	assert.ErrorIs(t, err, ErrStaleSession)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyStepOutcome_DuplicatePurchase(t *testing.T) {
	store, mock := newMockStore(t)
	charge := "pi_123"
	sessionID, stepID := int64(7), int64(1)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO purchases")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.ApplyStepOutcome(context.Background(), &StepOutcome{
		SessionID:     sessionID,
		ExpectedIndex: 0,
		StepID:        stepID,
		Accepted:      true,
		Amount:        4900,
		Purchase: &models.Purchase{
			UserID:          "u1",
			ProductID:       20,
			Amount:          4900,
			ChargeID:        &charge,
			FunnelSessionID: &sessionID,
			FunnelStepID:    &stepID,
		},
	})
	assert.ErrorIs(t, err, ErrDuplicatePurchase)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePurchase_RejectsNestedDependent(t *testing.T) {
	store, mock := newMockStore(t)
	parent := int64(5)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT parent_purchase_id FROM purchases WHERE id = $1")).
		WithArgs(parent).
		WillReturnRows(sqlmock.NewRows([]string{"parent_purchase_id"}).AddRow(2))
	mock.ExpectRollback()

	err := store.CreatePurchase(context.Background(), &models.Purchase{
		UserID:           "u1",
		ProductID:        20,
		ParentPurchaseID: &parent,
	})
	assert.ErrorIs(t, err, ErrNestedDependent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePurchase_StampsTimestamp(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO purchases")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	purchase := &models.Purchase{UserID: "u1", ProductID: 20, Amount: 0}
	require.NoError(t, store.CreatePurchase(context.Background(), purchase))
	assert.Equal(t, int64(42), purchase.ID)
	assert.NotZero(t, purchase.PurchasedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSession_ReturnsExistingForSameEntryPurchase(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (entry_purchase_id) DO NOTHING")).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM funnel_sessions WHERE entry_purchase_id = $1")).
		WithArgs(int64(50)).
		WillReturnRows(sqlmock.NewRows(sessionColumns).
			AddRow(7, "u1", 3, 50, 1, "active", "{}", "{1}", "{1,2}", 0, nil, now, now))

	session, created, err := store.CreateSession(context.Background(), &models.FunnelSession{
		UserID:          "u1",
		FunnelID:        3,
		EntryPurchaseID: 50,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(7), session.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkStaleSessionsAbandoned(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'abandoned'")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.MarkStaleSessionsAbandoned(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParseSeed(t *testing.T) {
	doc := []byte(`
products:
  - sku: SOP-LISTING
    name: Listing Launch SOP
    price: 9700
  - sku: CHECKLIST-OPEN-HOUSE
    name: Open House Checklist
    price: 4900
funnels:
  - name: Listing funnel
    entry_sku: SOP-LISTING
    steps:
      - type: upsell
        offer_sku: CHECKLIST-OPEN-HOUSE
        priority: 1
      - type: downsell
        offer_sku: CHECKLIST-OPEN-HOUSE
        priority: 2
        price_override: 1900
`)

	seed, err := ParseSeed(doc)
	require.NoError(t, err)
	require.Len(t, seed.Funnels, 1)
	require.Len(t, seed.Funnels[0].Steps, 2)
	assert.Equal(t, int64(1900), *seed.Funnels[0].Steps[1].PriceOverride)

	_, err = ParseSeed([]byte(`
products:
  - sku: A
    price: 100
funnels:
  - name: bad
    steps:
      - type: cross_sell
        offer_sku: A
`))
	assert.ErrorContains(t, err, "unknown step type")

	_, err = ParseSeed([]byte(`
products:
  - sku: A
    price: 100
funnels:
  - name: dupes
    steps:
      - {type: upsell, offer_sku: A, priority: 1}
      - {type: downsell, offer_sku: A, priority: 1}
`))
	assert.ErrorContains(t, err, "duplicate step priority")
}
