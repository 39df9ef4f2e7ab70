package source

import (
	"errors"
	"fmt"
)

// Adapters raise exactly one of three error kinds. The orchestrator
// inspects them with errors.As to decide retry vs terminal failure;
// anything that is none of the three is treated as unclassified.

// ConfigurationError means the adapter setup is invalid or incomplete.
// Never retried.
type ConfigurationError struct {
	Source  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("ConfigurationError: %s", e.Message)
	}
	return fmt.Sprintf("ConfigurationError: %s: %s", e.Source, e.Message)
}

// DataValidationError means a bad date range or malformed source data.
// Never retried.
type DataValidationError struct {
	Message string
}

func (e *DataValidationError) Error() string {
	return fmt.Sprintf("DataValidationError: %s", e.Message)
}

// APIError means an upstream provider call failed. StatusCode 0 marks
// an unknown status (network error, timeout).
type APIError struct {
	Source     string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s API error (%d): %s", e.Source, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error: %s", e.Source, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether an APIError is worth retrying: unknown
// status, server errors, and rate limiting only. Other 4xx responses
// will not get better on a second attempt.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == 429
}

// Classify buckets an error for the retry policy.
type ErrorClass int

const (
	ClassConfiguration ErrorClass = iota
	ClassValidation
	ClassAPI
	ClassUnexpected
)

func Classify(err error) ErrorClass {
	var confErr *ConfigurationError
	var valErr *DataValidationError
	var apiErr *APIError
	switch {
	case errors.As(err, &confErr):
		return ClassConfiguration
	case errors.As(err, &valErr):
		return ClassValidation
	case errors.As(err, &apiErr):
		return ClassAPI
	default:
		return ClassUnexpected
	}
}
