package schemas

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Callers match with errors.Is.
var (
	ErrConfiguration           = errors.New("configuration error")
	ErrPoolExhausted           = errors.New("pool exhausted")
	ErrConnectionCreation      = errors.New("connection creation failed")
	ErrNoEligibleConnection    = errors.New("no eligible connection")
	ErrProviderNotConfigured   = errors.New("provider not configured")
	ErrPoolClosed              = errors.New("pool is closed")
	ErrManagerShutdown         = errors.New("connection manager is shut down")
	ErrLeaseReleased           = errors.New("connection already released")
	ErrConnectionNotFound      = errors.New("connection not found")
	ErrUnsupportedExportFormat = errors.New("unsupported export format")
)

// ConfigurationError reports an invalid or conflicting configuration.
type ConfigurationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Provider != "" && e.Field != "":
		return fmt.Sprintf("configuration error for provider %s: %s: %s", e.Provider, e.Field, e.Reason)
	case e.Provider != "":
		return fmt.Sprintf("configuration error for provider %s: %s", e.Provider, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// NewConfigurationError builds a ConfigurationError.
func NewConfigurationError(provider, field, reason string) *ConfigurationError {
	return &ConfigurationError{Provider: provider, Field: field, Reason: reason}
}

// PoolExhaustedError is returned when no eligible connection became available
// before the acquire deadline.
type PoolExhaustedError struct {
	Provider string
	Timeout  time.Duration
	// Cause is the narrower reason, usually ErrNoEligibleConnection.
	Cause error
}

func (e *PoolExhaustedError) Error() string {
	msg := fmt.Sprintf("pool exhausted for provider %s after %s", e.Provider, e.Timeout)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PoolExhaustedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrPoolExhausted}
	}
	return []error{ErrPoolExhausted, e.Cause}
}
