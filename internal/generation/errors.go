// Package generation provides the activity that starts image generation for
// one cache key: it consults the content cache, takes the generation lease
// and issues the provider job.
package generation

import (
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/ahrav/go-imgeval/internal/provider"
)

var (
	// ErrNoExamples signals a generation input that owns no examples.
	ErrNoExamples = errors.New("no examples to generate")

	// ErrMissingCacheKey signals a generation input without a cache key.
	ErrMissingCacheKey = errors.New("cache key is required")
)

// Failure kinds, reported as the Temporal application error type.
const (
	kindValidation = "Validation"
	kindProvider   = "Provider"
	kindCache      = "Cache"
	kindStore      = "Store"
)

// fail wraps cause as an application error of the given kind. Validation
// failures are final; every other kind is left to the retry policy.
func fail(kind, msg string, cause error) error {
	if kind == kindValidation {
		return temporal.NewNonRetryableApplicationError(msg, kind, cause)
	}
	return temporal.NewApplicationError(msg, kind, cause)
}

// providerFailure follows the provider client's own classification.
func providerFailure(msg string, cause error) error {
	if provider.IsRetryable(cause) {
		return temporal.NewApplicationError(msg, kindProvider, cause)
	}
	return temporal.NewNonRetryableApplicationError(msg, kindProvider, cause)
}
