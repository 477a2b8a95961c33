package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Provider errors.
var (
	// ErrModelNotFound indicates the model or version does not exist upstream.
	ErrModelNotFound = errors.New("model not found")

	// ErrJobNotFound indicates an unknown prediction id.
	ErrJobNotFound = errors.New("job not found")
)

// ResolutionError reports that a model reference could not be turned into a version.
// Dispatch aborts on it; it is never retried.
type ResolutionError struct {
	Ref string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve model %q: %v", e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// StatusError is an unexpected HTTP status from the provider.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("provider returned %d: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("provider returned %d", e.Code)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests ||
		e.Code == http.StatusRequestTimeout ||
		e.Code >= http.StatusInternalServerError
}

// IsRetryable classifies err for activity retry decisions. Transport errors
// and retryable statuses are transient; resolution errors, unknown jobs and
// other 4xx responses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var resErr *ResolutionError
	if errors.As(err, &resErr) || errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrJobNotFound) {
		return false
	}
	var stErr *StatusError
	if errors.As(err, &stErr) {
		return stErr.Retryable()
	}
	return true
}

// IsResolution reports whether err is a model resolution failure.
func IsResolution(err error) bool {
	var resErr *ResolutionError
	return errors.As(err, &resErr)
}
