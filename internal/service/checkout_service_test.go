package service

import (
	"context"
	"testing"

	"funnel-service/internal/models"
	"funnel-service/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCheckoutFixture(t *testing.T) (*CheckoutService, *memStore, *fakeGateway, *recordingEvents) {
	t.Helper()
	st := newMemStore()
	st.addProduct(10, 9700)
	st.addProduct(20, 4900)
	st.addProduct(22, 1500)
	st.addProduct(40, 0)
	st.addFunnel(3, 10, true)
	st.addStep(1, 3, models.StepTypeUpsell, 20, 1, nil)
	st.addStep(7, 3, models.StepTypeOrderBump, 22, 0, int64Ptr(1200))

	gw := newFakeGateway()
	ev := &recordingEvents{}
	return NewCheckoutService(st, gw, ev, ""), st, gw, ev
}

func TestCheckoutWithOrderBump(t *testing.T) {
	svc, st, gw, ev := newCheckoutFixture(t)
	ctx := context.Background()

	intent, err := svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 10, OrderBumpStepIDs: []int64{7}})
	require.NoError(t, err)
	assert.Equal(t, int64(10900), intent.Amount)
	assert.Equal(t, "usd", intent.Currency)
	require.Len(t, intent.Quote.Bumps, 1)
	assert.Equal(t, int64(1200), intent.Quote.Bumps[0].Price)

	gw.succeed(intent.ChargeID)
	res, err := svc.CompleteCheckout(ctx, "u1", &CompleteCheckoutRequest{
		ProductID: 10, ChargeID: intent.ChargeID, OrderBumpStepIDs: []int64{7},
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(9700), res.Purchase.Amount)
	assert.Equal(t, intent.ChargeID, *res.Purchase.ChargeID)
	require.Len(t, res.OrderBumps, 1)
	assert.Equal(t, int64(22), res.OrderBumps[0].ProductID)
	assert.Equal(t, int64(1200), res.OrderBumps[0].Amount)
	require.NotNil(t, res.OrderBumps[0].ParentPurchaseID)
	assert.Equal(t, res.Purchase.ID, *res.OrderBumps[0].ParentPurchaseID)
	assert.Nil(t, res.OrderBumps[0].ChargeID)

	assert.Equal(t, 2, ev.count(models.EventTypePurchaseRecorded))
	assert.Len(t, st.purchases, 2)
}

func TestCheckoutReplayReturnsOriginal(t *testing.T) {
	svc, st, gw, _ := newCheckoutFixture(t)
	ctx := context.Background()

	intent, err := svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 10, OrderBumpStepIDs: []int64{7}})
	require.NoError(t, err)
	gw.succeed(intent.ChargeID)
	req := &CompleteCheckoutRequest{ProductID: 10, ChargeID: intent.ChargeID, OrderBumpStepIDs: []int64{7}}

	first, err := svc.CompleteCheckout(ctx, "u1", req)
	require.NoError(t, err)

	// a free funnel grant on the same entry purchase is not an order bump
	st.addPurchase(models.Purchase{UserID: "u1", ProductID: 20, ParentPurchaseID: &first.Purchase.ID,
		FunnelSessionID: int64Ptr(1), FunnelStepID: int64Ptr(1)})

	again, err := svc.CompleteCheckout(ctx, "u1", req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Purchase.ID, again.Purchase.ID)
	require.Len(t, again.OrderBumps, 1)
	assert.Equal(t, first.OrderBumps[0].ID, again.OrderBumps[0].ID)

	_, err = svc.CompleteCheckout(ctx, "u2", req)
	assert.ErrorIs(t, err, ErrAccessDenied)

	_, err = svc.CompleteCheckout(ctx, "u1", &CompleteCheckoutRequest{ProductID: 20, ChargeID: intent.ChargeID})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCheckoutRejectsInvalidBumps(t *testing.T) {
	svc, _, _, _ := newCheckoutFixture(t)
	ctx := context.Background()

	_, err := svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 10, OrderBumpStepIDs: []int64{1}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 10, OrderBumpStepIDs: []int64{7, 7}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 10, OrderBumpStepIDs: []int64{99}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 20, OrderBumpStepIDs: []int64{7}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 404})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 40})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCheckoutInactiveBumpRejected(t *testing.T) {
	svc, st, _, _ := newCheckoutFixture(t)
	st.setStepActive(7, false)

	_, err := svc.CreateCheckoutIntent(context.Background(), "u1", &CheckoutRequest{ProductID: 10, OrderBumpStepIDs: []int64{7}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCompleteCheckoutVerifiesCharge(t *testing.T) {
	svc, st, gw, _ := newCheckoutFixture(t)
	ctx := context.Background()

	intent, err := svc.CreateCheckoutIntent(ctx, "u1", &CheckoutRequest{ProductID: 10})
	require.NoError(t, err)

	_, err = svc.CompleteCheckout(ctx, "u1", &CompleteCheckoutRequest{ProductID: 10, ChargeID: intent.ChargeID})
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)

	gw.succeed(intent.ChargeID)
	_, err = svc.CompleteCheckout(ctx, "u1", &CompleteCheckoutRequest{ProductID: 10, ChargeID: intent.ChargeID, OrderBumpStepIDs: []int64{7}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.CompleteCheckout(ctx, "u2", &CompleteCheckoutRequest{ProductID: 10, ChargeID: intent.ChargeID})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	gw.addCharge(&payment.Charge{ID: "ch_missing_meta", Status: payment.StatusSucceeded, Amount: 9700})
	res, err := svc.CompleteCheckout(ctx, "u3", &CompleteCheckoutRequest{ProductID: 10, ChargeID: "ch_missing_meta"})
	require.NoError(t, err)
	assert.Equal(t, "u3", res.Purchase.UserID)

	_, err = svc.CompleteCheckout(ctx, "u1", &CompleteCheckoutRequest{ProductID: 10, ChargeID: "ch_nope"})
	assert.ErrorIs(t, err, ErrPaymentNotConfirmed)

	assert.Len(t, st.purchases, 1)
}

func TestClaimFreeProduct(t *testing.T) {
	svc, _, _, ev := newCheckoutFixture(t)
	ctx := context.Background()

	p, err := svc.ClaimFreeProduct(ctx, "u1", 40)
	require.NoError(t, err)
	assert.Zero(t, p.Amount)
	assert.Nil(t, p.ChargeID)
	assert.Equal(t, 1, ev.count(models.EventTypePurchaseRecorded))

	_, err = svc.ClaimFreeProduct(ctx, "u1", 10)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = svc.ClaimFreeProduct(ctx, "u1", 404)
	assert.ErrorIs(t, err, ErrNotFound)
}
