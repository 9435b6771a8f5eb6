package orchestrator

import (
	"errors"
	"fmt"
)

// ConfigurationError means no provider is usable. It is returned before any
// attempt is made and is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "vision providers not configured: " + e.Reason
}

// ProviderError is a single failed attempt against one provider.
type ProviderError struct {
	Provider string
	Attempt  int
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s attempt %d timed out: %v", e.Provider, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%s attempt %d: %v", e.Provider, e.Attempt, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ServiceExhaustedError is returned after every attempt on every provider
// failed. Provider names the last one tried and Err is its final error.
type ServiceExhaustedError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ServiceExhaustedError) Error() string {
	return fmt.Sprintf("all vision providers failed after %d attempts (last: %s): %v", e.Attempts, e.Provider, e.Err)
}

func (e *ServiceExhaustedError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsExhausted reports whether err is a ServiceExhaustedError.
func IsExhausted(err error) bool {
	var se *ServiceExhaustedError
	return errors.As(err, &se)
}
