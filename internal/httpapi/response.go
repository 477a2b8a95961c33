package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ahrav/go-imgeval/internal/domain"
	"github.com/ahrav/go-imgeval/internal/provider"
)

// Error codes returned in the envelope.
const (
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeResolution     = "model_resolution_failed"
	codeInternal       = "internal"
)

// APIError is the body of an error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps every error response.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// classify maps a service error to its HTTP status and code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInconsistentPrompts):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, domain.ErrEvaluationNotFound):
		return http.StatusNotFound, codeNotFound
	case provider.IsResolution(err):
		return http.StatusBadGateway, codeResolution
	default:
		return http.StatusInternalServerError, codeInternal
	}
}
