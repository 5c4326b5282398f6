package httpapi

import (
	"context"
	"errors"
	"net/http"

	"call-signaling/internal/call"
	"call-signaling/internal/calls"
	"call-signaling/internal/media"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, media.ErrNoVideo):
		return http.StatusBadRequest
	case errors.Is(err, calls.ErrUnknownReceiver),
		errors.Is(err, calls.ErrNotFound),
		errors.Is(err, call.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrCallerBusy),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, call.ErrWrongDirection),
		errors.Is(err, call.ErrAnsweredElsewhere):
		return http.StatusConflict
	case errors.Is(err, call.ErrAttemptEnded):
		return http.StatusGone
	case errors.Is(err, call.ErrOfferPending):
		return http.StatusTooEarly
	case errors.Is(err, calls.ErrMediaAccess):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, calls.ErrSignalingDelivery),
		errors.Is(err, call.ErrClosed),
		calls.IsLedgerError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		logger.FromGin(c).Error("call request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
