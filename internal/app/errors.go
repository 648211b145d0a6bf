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

// validationError names the field that failed so callers can surface it;
// the record is never persisted.
func validationError(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, map[string]string{"field": field})
}

// characterNotFound covers both a catalog miss and a catalog failure —
// either way the reference could not be validated at create time.
func characterNotFound() *DomainError {
	return domainError(http.StatusUnprocessableEntity, "CHARACTER_NOT_FOUND", "Character not found", nil)
}

// unauthorized carries no detail at all: a denied moderation call must not
// reveal whether the target guide exists.
func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
}

// transitionError covers not-found and already-processed uniformly: from
// the caller's side both mean the action is no longer applicable.
func transitionError() *DomainError {
	return domainError(http.StatusConflict, "TRANSITION_ERROR", "Guide is not awaiting moderation", nil)
}

func unsupportedImage() *DomainError {
	return domainError(http.StatusUnprocessableEntity, "UNSUPPORTED_IMAGE", "Image format not supported", nil)
}

func imageTooLarge() *DomainError {
	return domainError(http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "Image exceeds the size limit", nil)
}
