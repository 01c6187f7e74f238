package app

import (
	"errors"
	"fmt"
	"net/http"

	"blueshot/api/internal/auth"
	"blueshot/api/internal/grants"
	"blueshot/api/internal/meeting"
	"blueshot/api/internal/rbac"
	"blueshot/api/internal/realtime"
	"blueshot/api/internal/reconcile"
	"blueshot/api/internal/store"
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

// Staging rejections the client can fix by changing its input.
var validationErrors = []error{
	reconcile.ErrAlreadyMember,
	reconcile.ErrNotMember,
	reconcile.ErrChangePending,
	reconcile.ErrRoleUnchanged,
	reconcile.ErrWrongChangeKind,
	grants.ErrEmptyIdentifier,
	grants.ErrDuplicateIdentifier,
	grants.ErrNotFound,
	rbac.ErrInvalidRole,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, reconcile.ErrCommitInProgress) || errors.Is(err, realtime.ErrLocked) {
		return http.StatusConflict, "COMMIT_IN_PROGRESS", "A save is already in progress", nil
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrAlreadyExists) {
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	if errors.Is(err, meeting.ErrNotConfigured) {
		return http.StatusServiceUnavailable, "MEETINGS_DISABLED", "Video meetings are not configured", nil
	}
	if errors.Is(err, meeting.ErrNoAccess) {
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
