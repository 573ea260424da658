package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/reserva/internal/account/domain"
	creditdomain "github.com/smallbiznis/reserva/internal/credit/domain"
	"github.com/smallbiznis/reserva/internal/idempotency"
	"github.com/smallbiznis/reserva/internal/webhook"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrInvalidRequest marks a request body the handler could not parse.
var ErrInvalidRequest = errors.New("invalid_request")

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError translates domain errors onto the HTTP taxonomy: validation
// rejects with 400 before any state change, missing records are 404,
// business conflicts are 409 and never coerced into success, and an
// invariant violation is a 500 because it means a logic defect.
func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, creditdomain.ErrInvariantViolation):
		return http.StatusInternalServerError, errorPayload{
			Type:    "invariant_violation",
			Message: "internal accounting error",
		}

	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}

	case errors.Is(err, accountdomain.ErrAccountNotFound),
		errors.Is(err, creditdomain.ErrReservationNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}

	case creditdomain.ConflictError(err),
		errors.Is(err, accountdomain.ErrAccountSuspended),
		errors.Is(err, accountdomain.ErrCreditModeNeedsFunds),
		errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}

	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidLedgerReason),
		errors.Is(err, creditdomain.ErrInvalidCursor),
		errors.Is(err, creditdomain.ErrMissingIdempotencyKey),
		errors.Is(err, creditdomain.ErrMissingReservationRef),
		errors.Is(err, accountdomain.ErrInvalidExternalKey),
		errors.Is(err, accountdomain.ErrInvalidAccountKind),
		errors.Is(err, accountdomain.ErrInvalidBillingMode),
		errors.Is(err, webhook.ErrInvalidEvent):
		return true
	default:
		return false
	}
}
