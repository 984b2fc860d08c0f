package app

import (
	"errors"
	"fmt"
	"net/http"

	"formcollect/api/internal/common"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates service errors into API responses. Ownership failures
// surface as NOT_FOUND so submission ids cannot be probed.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, common.ErrInvalidField):
		return http.StatusBadRequest, "INVALID_FIELD", "Invalid field", nil
	case errors.Is(err, common.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", "Invalid input", nil
	case errors.Is(err, common.ErrNotActive):
		return http.StatusConflict, "FORM_NOT_ACTIVE", "Form is not accepting submissions", nil
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
