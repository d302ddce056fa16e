package providers

import (
	"errors"
	"fmt"
)

// ErrModelDisabled marks a model that is configured but switched off; the
// fallback chain must not retry it.
var ErrModelDisabled = errors.New("model disabled")

// AuthMissingError reports a required secret that is not configured. Not
// retryable; surfaces to the user with a remediation hint.
type AuthMissingError struct {
	Key string
}

func (e *AuthMissingError) Error() string {
	return fmt.Sprintf("AUTH_MISSING %s", e.Key)
}

// AuthInvalidError reports a secret the upstream rejected.
type AuthInvalidError struct {
	Key    string
	Reason string
}

func (e *AuthInvalidError) Error() string {
	return fmt.Sprintf("auth invalid for %s: %s", e.Key, e.Reason)
}

// DriverError wraps an upstream model error with a retryability flag.
type DriverError struct {
	ModelRef  string
	Retryable bool
	Err       error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("driver error (%s): %v", e.ModelRef, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// IsRetryable reports whether err may be retried on a fallback model.
// Auth failures and disabled models short-circuit the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var authMissing *AuthMissingError
	if errors.As(err, &authMissing) {
		return false
	}
	var authInvalid *AuthInvalidError
	if errors.As(err, &authInvalid) {
		return false
	}
	if errors.Is(err, ErrModelDisabled) {
		return false
	}
	var de *DriverError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
