package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	erpdomain "github.com/smallbiznis/depotsync/internal/erp/domain"
	"github.com/smallbiznis/depotsync/internal/synchronizer"
	tenantdomain "github.com/smallbiznis/depotsync/internal/tenant/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	AuthURL string `json:"auth_url,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var ErrInvalidRequest = errors.New("invalid_request")

// ErrorHandlingMiddleware maps pipeline errors onto HTTP responses.
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

func mapError(err error) (int, errorPayload) {
	var reauth *erpdomain.ReauthorizationRequiredError
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: err.Error(),
		}
	case errors.Is(err, tenantdomain.ErrNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "tenant sync configuration not found",
		}
	case errors.Is(err, tenantdomain.ErrConfigIncomplete), errors.Is(err, tenantdomain.ErrConfigDisabled):
		return http.StatusConflict, errorPayload{
			Type:    "configuration_error",
			Message: err.Error(),
		}
	case errors.Is(err, synchronizer.ErrCompositeProduct):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "composite_product_unsupported",
			Message: err.Error(),
		}
	case errors.As(err, &reauth):
		return http.StatusConflict, errorPayload{
			Type:    "reauthorization_required",
			Message: err.Error(),
			AuthURL: reauth.AuthURL,
		}
	case errors.Is(err, erpdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "upstream platform rate limit exhausted",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
