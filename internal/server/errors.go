package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterflow/internal/chargemodel"
	coupondomain "github.com/smallbiznis/meterflow/internal/coupon/domain"
	customerdomain "github.com/smallbiznis/meterflow/internal/customer/domain"
	eventdomain "github.com/smallbiznis/meterflow/internal/event/domain"
	invoicedomain "github.com/smallbiznis/meterflow/internal/invoice/domain"
	organizationdomain "github.com/smallbiznis/meterflow/internal/organization/domain"
	plandomain "github.com/smallbiznis/meterflow/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/meterflow/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/meterflow/internal/tax/domain"
	walletdomain "github.com/smallbiznis/meterflow/internal/wallet/domain"
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

// ErrorHandlingMiddleware renders the last recorded error after the handler
// chain runs, so handlers push domain errors and never shape JSON themselves.
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

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{Field: field, Code: code, Message: message},
		},
	}
}

// mapError translates the engine's error taxonomy to HTTP: malformed input
// is 400, unknown resources 404, state-machine and idempotency conflicts
// 409, rejected wallet debits 422, transient infrastructure trouble 503.
func mapError(err error) (int, errorPayload) {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, walletdomain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case isTransientError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
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
	case errors.Is(err, eventdomain.ErrInvalidEvent),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, customerdomain.ErrInvalidCustomer),
		errors.Is(err, organizationdomain.ErrInvalidOrganization),
		errors.Is(err, plandomain.ErrInvalidPlan),
		errors.Is(err, plandomain.ErrInvalidMetric),
		errors.Is(err, plandomain.ErrInvalidAggregation),
		errors.Is(err, plandomain.ErrInvalidChargeModel),
		errors.Is(err, chargemodel.ErrUnknownModel),
		errors.Is(err, chargemodel.ErrInvalidProperties),
		errors.Is(err, walletdomain.ErrInvalidAmount),
		errors.Is(err, coupondomain.ErrInvalidCoupon),
		errors.Is(err, coupondomain.ErrCouponExpired):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, customerdomain.ErrCustomerNotFound),
		errors.Is(err, organizationdomain.ErrOrganizationNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, plandomain.ErrMetricNotFound),
		errors.Is(err, walletdomain.ErrWalletNotFound),
		errors.Is(err, coupondomain.ErrCouponNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, invoicedomain.ErrInvoiceNotDraft),
		errors.Is(err, invoicedomain.ErrInvoiceNotFinalized),
		errors.Is(err, invoicedomain.ErrUnresolvedBillingErr),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, walletdomain.ErrWalletTerminated),
		errors.Is(err, coupondomain.ErrCouponAlreadyApplied):
		return true
	default:
		return false
	}
}

func isTransientError(err error) bool {
	switch {
	case errors.Is(err, walletdomain.ErrConcurrentUpdate),
		errors.Is(err, invoicedomain.ErrSequenceExhausted),
		errors.Is(err, taxdomain.ErrProviderUnavailable):
		return true
	default:
		return false
	}
}
