package domain

import "errors"

// ErrInvalidRequest indicates that a submission failed structural validation.
var ErrInvalidRequest = errors.New("invalid evaluation request")

// ErrInconsistentPrompts indicates that some rows carry a prompt and others do not.
var ErrInconsistentPrompts = errors.New("all rows must either have a prompt or no prompt")

// ErrEvaluationNotFound indicates that no evaluation exists for the given identifier.
var ErrEvaluationNotFound = errors.New("evaluation not found")
