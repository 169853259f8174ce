package phase

import (
	"errors"
	"fmt"
)

// ConfigurationError marks user configuration that cannot be executed: an
// unknown how, a malformed when rule, colliding phase names. It aborts the
// step and its plan instead of being retried.
type ConfigurationError struct {
	// Path points at the offending spot, e.g. "prepare/inject".
	Path    string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// NewConfigurationError builds a ConfigurationError with a formatted
// message.
func NewConfigurationError(path, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Path: path, Message: fmt.Sprintf(format, args...)}
}

// IsConfigurationError reports whether err has a ConfigurationError in its
// chain.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
