package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	invoicedomain "github.com/telcobss/meterbill/internal/invoice/domain"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrConflict           = errors.New("conflict")
	ErrRateLimited        = errors.New("rate_limited")
	ErrInternal           = errors.New("internal_error")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

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

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "rate limit exceeded",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return true
	case errors.Is(err, usagedomain.ErrInvalidCustomer),
		errors.Is(err, usagedomain.ErrInvalidUsageType),
		errors.Is(err, usagedomain.ErrInvalidAmount),
		errors.Is(err, usagedomain.ErrInvalidUnit),
		errors.Is(err, usagedomain.ErrInvalidCurrency),
		errors.Is(err, usagedomain.ErrInvalidTimestamp),
		errors.Is(err, usagedomain.ErrTimestampInFuture),
		errors.Is(err, usagedomain.ErrInvalidSource):
		return true
	case errors.Is(err, costmodeldomain.ErrInvalidModelName),
		errors.Is(err, costmodeldomain.ErrInvalidResourceType),
		errors.Is(err, costmodeldomain.ErrInvalidPeriod),
		errors.Is(err, costmodeldomain.ErrInvalidBaseCost),
		errors.Is(err, costmodeldomain.ErrInvalidOverageRate),
		errors.Is(err, costmodeldomain.ErrInvalidIncluded),
		errors.Is(err, costmodeldomain.ErrInvalidCurrency):
		return true
	case errors.Is(err, billingcycledomain.ErrInvalidCustomer),
		errors.Is(err, billingcycledomain.ErrInvalidDates),
		errors.Is(err, billingcycledomain.ErrCycleNotContiguous):
		return true
	case errors.Is(err, costcalcdomain.ErrInvalidCustomer),
		errors.Is(err, costcalcdomain.ErrInvalidResourceType),
		errors.Is(err, costcalcdomain.ErrInvalidPeriod),
		errors.Is(err, costcalcdomain.ErrInvalidPeriodStart):
		return true
	case errors.Is(err, forecastdomain.ErrInvalidCustomer),
		errors.Is(err, forecastdomain.ErrInvalidResourceType),
		errors.Is(err, forecastdomain.ErrInvalidPeriod),
		errors.Is(err, forecastdomain.ErrInvalidWindow),
		errors.Is(err, forecastdomain.ErrUnknownModel):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, usagedomain.ErrRecordNotFound),
		errors.Is(err, ratingdomain.ErrRecordNotFound),
		errors.Is(err, costmodeldomain.ErrModelNotFound),
		errors.Is(err, billingcycledomain.ErrCycleNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, costcalcdomain.ErrCalculationNotFound),
		errors.Is(err, forecastdomain.ErrForecastNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, costmodeldomain.ErrDuplicateModelName),
		errors.Is(err, billingcycledomain.ErrCycleConflict),
		errors.Is(err, billingcycledomain.ErrInvalidTransition),
		errors.Is(err, costcalcdomain.ErrCalculationFrozen),
		errors.Is(err, costcalcdomain.ErrInvalidStatus),
		errors.Is(err, ratingdomain.ErrLeaseHeld):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}
