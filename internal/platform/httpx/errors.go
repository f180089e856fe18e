// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("service unavailable")
)

type errorMapping struct {
	target error
	status int
	title  string
}

var mappings = []errorMapping{
	{ErrNotFound, http.StatusNotFound, "Not Found"},
	{ErrDuplicate, http.StatusConflict, "Duplicate"},
	{ErrConflict, http.StatusConflict, "Conflict"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{ErrForbidden, http.StatusForbidden, "Forbidden"},
	{ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{ErrUnavailable, http.StatusServiceUnavailable, "Service Unavailable"},
}

// StatusOf returns the HTTP status a domain error maps to.
func StatusOf(err error) int {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// IsClientError reports whether err maps to a 4xx response.
func IsClientError(err error) bool {
	status := StatusOf(err)
	return status >= 400 && status < 500
}

// RespondError maps domain errors to HTTP responses using RFC7807.
// Unmapped errors are reported as 500 without leaking their message.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range mappings {
		if errors.Is(err, m.target) {
			Problem(w, m.status, m.title, err.Error())
			return
		}
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
