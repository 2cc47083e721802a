package service

import (
	"errors"
	"fmt"

	"funnel-service/internal/store"
)

// Error kinds surfaced to callers. Wrap with fmt.Errorf("%w: ...") and match
// with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPaymentNotConfirmed = errors.New("payment not confirmed")
	ErrUpstreamPayment     = errors.New("upstream payment error")
	ErrConflict            = errors.New("conflict")
)

func notFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func accessDenied(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, fmt.Sprintf(format, args...))
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func paymentNotConfirmed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPaymentNotConfirmed, fmt.Sprintf(format, args...))
}

func upstreamPayment(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstreamPayment, op, err)
}

// conflictFromStore translates optimistic-write failures into ErrConflict
func conflictFromStore(err error) error {
	switch {
	case errors.Is(err, store.ErrStaleSession):
		return fmt.Errorf("%w: funnel session was modified concurrently", ErrConflict)
	case errors.Is(err, store.ErrDuplicatePurchase):
		return fmt.Errorf("%w: purchase already recorded", ErrConflict)
	case errors.Is(err, store.ErrParentNotFound):
		return fmt.Errorf("%w: parent purchase", ErrNotFound)
	case errors.Is(err, store.ErrNestedDependent):
		return fmt.Errorf("%w: order bumps cannot have dependents", ErrInvalidArgument)
	}
	return err
}
