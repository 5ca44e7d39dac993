package models

import (
	"errors"
	"fmt"
)

var (
	// ErrRemoteBlocked means the site refused or challenged the request.
	ErrRemoteBlocked = errors.New("remote blocked")
	// ErrRemoteTimeout means the fetch did not finish before its deadline.
	ErrRemoteTimeout = errors.New("remote timeout")
	// ErrRemoteError covers unexpected responses and unparseable pages.
	ErrRemoteError = errors.New("remote error")
	// ErrDispatchFailure means a notification or basket add could not complete.
	ErrDispatchFailure = errors.New("dispatch failure")
	// ErrPersistenceUnavailable pauses the whole scheduling loop.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
)

// ConfigurationError is fatal to the operation that hit it, nothing more.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
