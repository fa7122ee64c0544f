package app

import (
	"fmt"
	"net/http"
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

// Request-validation failures. All of these are raised before any store
// access, so a failed request never does partial work.

func errIncompatibleParameters(fields ...string) *DomainError {
	return domainError(http.StatusBadRequest, "INCOMPATIBLE_PARAMETERS",
		"Unsupported parameter combination", map[string]any{"parameters": fields})
}

func errTooManyMessages(max int) *DomainError {
	return domainError(http.StatusBadRequest, "TOO_MANY_MESSAGES",
		fmt.Sprintf("Too many messages requested (maximum %d)", max), nil)
}

func errInvalidRange() *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_RANGE",
		"The anchor can only be excluded at an end of the range", nil)
}

func errInvalidAnchor() *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_ANCHOR", "Invalid anchor", nil)
}

func errMissingAnchor() *DomainError {
	return domainError(http.StatusBadRequest, "BAD_REQUEST", "Missing 'anchor' argument", nil)
}

func errInvalidCredentials() *DomainError {
	return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS",
		"Invalid email or password", nil)
}

// errAuthenticationRequired is deliberately generic: it must not leak
// whether a narrow referenced private data or nothing at all.
func errAuthenticationRequired() *DomainError {
	return domainError(http.StatusUnauthorized, "AUTHENTICATION_REQUIRED",
		"Not logged in: API authentication or user session required", nil)
}
