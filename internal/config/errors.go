package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict marks an optimistic write that lost the race: the caller's
// expected raw hash no longer matches the file. CLI boundary maps this to
// exit code 2.
var ErrConflict = errors.New("config conflict")

// ErrValidation marks a mutation or load that produced an invalid document.
var ErrValidation = errors.New("config validation failed")

// ConflictError carries the expected vs actual raw hash of a lost write.
type ConflictError struct {
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("config conflict: expected raw hash %s, file has %s", e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// ValidationError aggregates schema issues from one validation pass.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
