package app

import (
	"errors"
	"fmt"
	"net/http"

	"huddle/api/internal/identity"
	"huddle/api/internal/message"
	"huddle/api/internal/session"
	"huddle/api/internal/store"
)

// DomainError is an error the HTTP layer can render directly. Service methods
// return one when they already know the status and code; everything else goes
// through the sentinel table below.
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

// sentinelMappings bridges the core packages' typed sentinel errors onto
// transport responses. First match wins.
var sentinelMappings = []struct {
	match  error
	status int
	code   string
	msg    string
}{
	{session.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{message.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{session.ErrNotAuthorized, http.StatusForbidden, "FORBIDDEN", "Forbidden"},
	{session.ErrStoreDenied, http.StatusForbidden, "FORBIDDEN", "Forbidden"},
	{message.ErrNotAuthorized, http.StatusForbidden, "FORBIDDEN", "Forbidden"},
	{session.ErrLocked, http.StatusForbidden, "SESSION_LOCKED", "Session is locked"},
	{session.ErrEnded, http.StatusConflict, "SESSION_ENDED", "Session already ended"},
	{message.ErrEmptyText, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text must not be empty"},
	{message.ErrTextTooLong, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "text exceeds the maximum length"},
	{identity.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{identity.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
}

func mapError(err error) (status int, code, msg string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range sentinelMappings {
		if errors.Is(err, m.match) {
			return m.status, m.code, m.msg, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
