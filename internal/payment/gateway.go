// Package payment wraps the payment provider behind the charge-intent
// interface consumed by the funnel engine and checkout.
package payment

import (
	"context"
	"errors"
	"time"

	"funnel-service/internal/util"
)

// ErrChargeNotFound is returned when the provider has no charge with the given ID
var ErrChargeNotFound = errors.New("payment: charge not found")

// Charge statuses the engine acts on. StatusSucceeded is the only one that
// counts as paid; failed and canceled charges can never be paid.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Metadata keys attached to funnel charge intents
const (
	MetaProductID       = "productId"
	MetaUserID          = "userId"
	MetaFunnelSessionID = "funnelSessionId"
	MetaFunnelStepID    = "funnelStepId"
)

// ChargeIntent is an authorized-but-unconfirmed payment request
type ChargeIntent struct {
	ChargeID     string `json:"charge_id"`
	ClientSecret string `json:"client_secret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// Charge is the provider's current view of a charge
type Charge struct {
	ID       string
	Status   string
	Amount   int64
	Currency string
	Metadata map[string]string
}

// Succeeded reports whether the charge has been paid
func (c *Charge) Succeeded() bool {
	return c.Status == StatusSucceeded
}

// Payable reports whether the charge can still be paid or already was
func (c *Charge) Payable() bool {
	return c.Status != StatusFailed && c.Status != StatusCanceled
}

// Gateway is the payment provider collaborator
type Gateway interface {
	CreateChargeIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*ChargeIntent, error)
	RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error)
}

// Instrumented records latency and error metrics around a gateway
func Instrumented(gw Gateway) Gateway {
	return &instrumentedGateway{next: gw}
}

type instrumentedGateway struct {
	next Gateway
}

func (g *instrumentedGateway) CreateChargeIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*ChargeIntent, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.CreateChargeIntent")
	defer span.End()

	start := time.Now()
	intent, err := g.next.CreateChargeIntent(ctx, amount, currency, metadata)
	util.PaymentGatewayLatency.WithLabelValues("create_intent").Observe(time.Since(start).Seconds())
	if err != nil {
		util.PaymentGatewayErrorsTotal.WithLabelValues("create_intent").Inc()
		util.RecordError(span, err)
	}
	return intent, err
}

func (g *instrumentedGateway) RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error) {
	ctx, span := util.StartSpan(ctx, "PaymentGateway.RetrieveCharge")
	defer span.End()

	start := time.Now()
	charge, err := g.next.RetrieveCharge(ctx, chargeID)
	util.PaymentGatewayLatency.WithLabelValues("retrieve").Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrChargeNotFound) {
		util.PaymentGatewayErrorsTotal.WithLabelValues("retrieve").Inc()
		util.RecordError(span, err)
	}
	return charge, err
}
