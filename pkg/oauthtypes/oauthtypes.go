// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauthtypes defines the OAuth 2.0 / OpenID Connect wire constants and
// the protocol error type shared by the endpoints, the token service, and the
// client registry.
package oauthtypes

import (
	"errors"
	"fmt"
	"net/http"
)

// RFC 6749 §5.2 and RFC 6750 §3.1 error codes.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorInvalidScope            = "invalid_scope"
	ErrorAccessDenied            = "access_denied"
	ErrorInvalidToken            = "invalid_token"
	ErrorInsufficientScope       = "insufficient_scope"
	ErrorServerError             = "server_error"
	ErrorTemporarilyUnavailable  = "temporarily_unavailable"
)

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Response types.
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// Token endpoint authentication methods.
const (
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodNone              = "none"
)

// PKCE code challenge methods (RFC 7636).
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// Standard scopes this server understands.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// SupportedGrantTypes lists every grant type the server implements.
var SupportedGrantTypes = []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials}

// SupportedResponseTypes lists every response type the server implements.
var SupportedResponseTypes = []string{ResponseTypeCode, ResponseTypeToken}

// SupportedAuthMethods lists every token endpoint auth method the server implements.
var SupportedAuthMethods = []string{AuthMethodClientSecretBasic, AuthMethodClientSecretPost, AuthMethodNone}

// SupportedScopes lists every scope the server grants.
var SupportedScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

// Error is a protocol error destined for the wire. The zero Status falls back
// to the default for the code.
type Error struct {
	// Code is one of the RFC 6749 §5.2 error codes above.
	Code string

	// Description is the optional human-readable error_description.
	Description string

	// Status overrides the default HTTP status for the code when non-zero.
	Status int

	// Cause is the underlying error, kept out of the wire response.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Description, e.Cause)
	}
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status to write for this error.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Code {
	case ErrorInvalidClient:
		return http.StatusUnauthorized
	case ErrorInvalidToken:
		return http.StatusUnauthorized
	case ErrorInsufficientScope:
		return http.StatusForbidden
	case ErrorServerError:
		return http.StatusInternalServerError
	case ErrorTemporarilyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// NewError creates a protocol error with the default HTTP status for the code.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// WrapError creates a protocol error around an internal cause.
func WrapError(code, description string, cause error) *Error {
	return &Error{Code: code, Description: description, Cause: cause}
}

// AsError extracts a protocol error from err, or wraps err as server_error.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ErrorServerError, Cause: err}
}

// ErrorResponse is the RFC 6749 §5.2 JSON error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Response converts the error to its wire shape.
func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Description}
}
