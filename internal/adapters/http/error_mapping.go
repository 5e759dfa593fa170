package httpadapter

import (
	"errors"
	"net/http"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrValidation):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrConflict):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	case domain.IsKind(err, domain.ErrLLMRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string   `json:"error"`
	Dates     []string `json:"dates,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// writeDomainError hides internal failure details behind a generic message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	resp := errorResponse{
		Error:     err.Error(),
		RequestID: requestIDFromContext(r.Context()),
	}
	var validation *domain.ValidationError
	if errors.As(err, &validation) {
		resp.Error = validation.Reason
		resp.Dates = validation.Dates
		resp.Issues = validation.Issues
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}
