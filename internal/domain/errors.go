package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError indicates a malformed inbound request. Mapped to a 4xx
// response and never retried.
type ValidationError struct {
	Param   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("invalid request: %s: %s", e.Param, e.Message)
	}
	return "invalid request: " + e.Message
}

// ErrValidation creates a validation error for the given parameter.
func ErrValidation(param, message string) *ValidationError {
	return &ValidationError{Param: param, Message: message}
}

// NoCredentialError indicates no token exists for a catalog entry. Fatal for
// the request: the upstream call cannot proceed without credentials.
type NoCredentialError struct {
	CatalogID string
}

func (e *NoCredentialError) Error() string {
	return "no credential available for catalog entry " + e.CatalogID
}

// UpstreamError indicates a provider or tool-server failure. Surfaced to the
// caller and logged; the gateway never retries on its own.
type UpstreamError struct {
	Upstream   string // provider or MCP server name
	StatusCode int
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s failed (status %d): %s", e.Upstream, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("upstream %s failed: %s", e.Upstream, e.Message)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// PolicyBlockedError is a terminal but expected outcome: policy denied a tool
// call. The interaction is recorded as blocked with a human-readable reason.
type PolicyBlockedError struct {
	Tool   ToolName
	Reason string
}

func (e *PolicyBlockedError) Error() string {
	return fmt.Sprintf("policy blocked tool %s: %s", e.Tool, e.Reason)
}

// HTTPStatus maps a gateway error to the response status code.
func HTTPStatus(err error) int {
	var validationErr *ValidationError
	var credentialErr *NoCredentialError
	var upstreamErr *UpstreamError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &credentialErr):
		return http.StatusForbidden
	case errors.As(err, &upstreamErr):
		if upstreamErr.StatusCode >= 400 && upstreamErr.StatusCode < 500 {
			return upstreamErr.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorType returns the wire-visible error type label for a gateway error.
func ErrorType(err error) string {
	var validationErr *ValidationError
	var credentialErr *NoCredentialError
	var upstreamErr *UpstreamError
	var blockedErr *PolicyBlockedError

	switch {
	case errors.As(err, &validationErr):
		return "invalid_request_error"
	case errors.As(err, &credentialErr):
		return "no_credential_available"
	case errors.As(err, &upstreamErr):
		return "upstream_error"
	case errors.As(err, &blockedErr):
		return "policy_blocked"
	default:
		return "server_error"
	}
}
