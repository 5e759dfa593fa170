package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrTemporary      = errors.New("temporary failure")
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
	ErrLLMUnavailable = fmt.Errorf("llm unavailable: %w", ErrTemporary)
	ErrLLMTimeout     = fmt.Errorf("llm timeout: %w", ErrTemporary)
	ErrLLMRejected    = errors.New("llm rejected request")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// ValidationError is a user-facing business-rule violation that blocks a
// single transition. Dates lists the affected calendar days (YYYY-MM-DD).
type ValidationError struct {
	Reason string
	Dates  []string
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	msg := e.Reason
	if len(e.Dates) > 0 {
		msg += ": " + strings.Join(e.Dates, ", ")
	}
	if len(e.Issues) > 0 {
		msg += " (" + strings.Join(e.Issues, "; ") + ")"
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
