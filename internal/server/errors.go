package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/gymledger/internal/analytics/domain"
	auditdomain "github.com/smallbiznis/gymledger/internal/audit/domain"
	"github.com/smallbiznis/gymledger/internal/authorization"
	catalogdomain "github.com/smallbiznis/gymledger/internal/catalog/domain"
	"github.com/smallbiznis/gymledger/internal/identity"
	membershipdomain "github.com/smallbiznis/gymledger/internal/membership/domain"
	paymentdomain "github.com/smallbiznis/gymledger/internal/payment/domain"
	"github.com/smallbiznis/gymledger/internal/reference"
	"github.com/smallbiznis/gymledger/pkg/db"
	"gorm.io/gorm"
)

const (
	HeaderAuditDegraded = "X-Audit-Degraded"
	HeaderRetryAfter    = "Retry-After"

	contentionRetryAfterSeconds = "1"
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
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
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
		if status == http.StatusServiceUnavailable && c.Writer.Header().Get(HeaderRetryAfter) == "" {
			c.Header(HeaderRetryAfter, contentionRetryAfterSeconds)
		}
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

// respond writes result, or the error when there is no result. A result
// whose audit entry was deferred to the reconciler is still a success.
func respond[T any](c *gin.Context, status int, result *T, err error) {
	if err != nil {
		if result == nil || !errors.Is(err, auditdomain.ErrAuditWriteFailure) {
			AbortWithError(c, err)
			return
		}
		c.Header(HeaderAuditDegraded, "true")
	}
	c.JSON(status, gin.H{"data": result})
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
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, identity.ErrInvalidActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, paymentdomain.ErrUnauthorized),
		errors.Is(err, membershipdomain.ErrUnauthorized),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, membershipdomain.ErrActiveMembershipExists),
		errors.Is(err, membershipdomain.ErrInvalidTransition),
		errors.Is(err, paymentdomain.ErrAlreadyProcessed),
		errors.Is(err, paymentdomain.ErrNotConfirmed),
		errors.Is(err, paymentdomain.ErrQRUnavailable),
		errors.Is(err, catalogdomain.ErrDuplicateCode):
		return http.StatusConflict, errorPayload{
			Type:    conflictType(err),
			Message: "conflict",
		}
	case errors.Is(err, membershipdomain.ErrPlanUnavailable),
		errors.Is(err, paymentdomain.ErrPassUnavailable):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    unavailableType(err),
			Message: "offering is not available for purchase",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, db.ErrContention):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "contention",
			Message: "service busy, retry shortly",
		}
	case errors.Is(err, reference.ErrReferenceExhausted):
		return http.StatusInternalServerError, errorPayload{
			Type:    "reference_exhausted",
			Message: "could not allocate a reference number",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func conflictType(err error) string {
	switch {
	case errors.Is(err, membershipdomain.ErrActiveMembershipExists):
		return "active_membership_exists"
	case errors.Is(err, membershipdomain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, paymentdomain.ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, paymentdomain.ErrNotConfirmed):
		return "payment_not_confirmed"
	case errors.Is(err, paymentdomain.ErrQRUnavailable):
		return "qr_unavailable"
	case errors.Is(err, catalogdomain.ErrDuplicateCode):
		return "duplicate_code"
	default:
		return "conflict"
	}
}

func unavailableType(err error) string {
	if errors.Is(err, paymentdomain.ErrPassUnavailable) {
		return "pass_unavailable"
	}
	return "plan_unavailable"
}

// classifyErrorForLog returns (error_type, error_code) for request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
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
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, catalogdomain.ErrInvalidKind),
		errors.Is(err, catalogdomain.ErrInvalidCode),
		errors.Is(err, catalogdomain.ErrInvalidName),
		errors.Is(err, catalogdomain.ErrInvalidDuration),
		errors.Is(err, catalogdomain.ErrInvalidPrice),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidMethod),
		errors.Is(err, paymentdomain.ErrInvalidReference),
		errors.Is(err, analyticsdomain.ErrInvalidRange),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidAction):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, membershipdomain.ErrMembershipNotFound),
		errors.Is(err, paymentdomain.ErrPaymentNotFound),
		errors.Is(err, paymentdomain.ErrWalkInNotFound),
		errors.Is(err, catalogdomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	for _, sentinel := range []error{
		ErrInvalidRequest,
		catalogdomain.ErrInvalidKind,
		catalogdomain.ErrInvalidCode,
		catalogdomain.ErrInvalidName,
		catalogdomain.ErrInvalidDuration,
		catalogdomain.ErrInvalidPrice,
		paymentdomain.ErrInvalidAmount,
		paymentdomain.ErrInvalidMethod,
		paymentdomain.ErrInvalidReference,
		analyticsdomain.ErrInvalidRange,
		auditdomain.ErrInvalidPageToken,
		auditdomain.ErrInvalidTimeRange,
		auditdomain.ErrInvalidAction,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
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

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
