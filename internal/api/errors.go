package api

import (
	"errors"
	"net/http"

	"funnel-service/internal/payment"
	"funnel-service/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps service error kinds to HTTP status codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrNotFound), errors.Is(err, payment.ErrChargeNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden, "access_denied"
	case errors.Is(err, service.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, service.ErrPaymentNotConfirmed):
		return http.StatusPaymentRequired, "payment_not_confirmed"
	case errors.Is(err, service.ErrUpstreamPayment):
		return http.StatusBadGateway, "upstream_payment_error"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func (h *Handler) writeError(c *gin.Context, err error) {
	code, kind := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "Internal server error", "kind": kind})
		return
	}
	c.JSON(code, gin.H{"error": err.Error(), "kind": kind})
}
