package ollama

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
	"github.com/kirillkom/travel-expense-review/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("ollama %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

func classifyOllamaError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	// Checked before context errors: an attempt timeout wraps DeadlineExceeded.
	if resilience.IsAttemptTimeout(err) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: false,
		}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: statusErr.StatusCode >= 500,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{
			Retryable:     true,
			RecordFailure: true,
		}
	}

	return resilience.ErrorClassification{
		Retryable:     false,
		RecordFailure: true,
	}
}

func mapGenerateError(operation string, err error) error {
	var statusErr *HTTPStatusError
	switch {
	case errors.As(err, &statusErr):
		return domain.WrapError(domain.ErrLLMRejected, operation, err)
	case resilience.IsCircuitOpen(err):
		return domain.WrapError(domain.ErrLLMUnavailable, operation, err)
	case resilience.IsAttemptTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return domain.WrapError(domain.ErrLLMTimeout, operation, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return domain.WrapError(domain.ErrLLMUnavailable, operation, err)
	}
}
