// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/signet/pkg/federation"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/session"
)

// handleFederationStart redirects the browser to the external provider.
func (s *Server) handleFederationStart(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if s.fed == nil || !s.fed.Enabled(providerName) {
		s.writeJSON(w, http.StatusServiceUnavailable, oauthtypes.ErrorResponse{
			Error:            oauthtypes.ErrorTemporarilyUnavailable,
			ErrorDescription: "provider " + providerName + " is not configured",
		})
		return
	}

	returnTo := session.SanitizeReturnTo(r.URL.Query().Get("return_to"))
	authURL, err := s.fed.Start(r.Context(), providerName, returnTo)
	if err != nil {
		s.log.Error("failed to start federated login", "provider", providerName, "error", err)
		s.writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleFederationCallback completes a federated login: the provider either
// returned an error, or a code we exchange and turn into a local session.
func (s *Server) handleFederationCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	if s.fed == nil || !s.fed.Enabled(providerName) {
		s.writeJSON(w, http.StatusServiceUnavailable, oauthtypes.ErrorResponse{
			Error:            oauthtypes.ErrorTemporarilyUnavailable,
			ErrorDescription: "provider " + providerName + " is not configured",
		})
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		s.renderLogin(w, http.StatusBadRequest, loginPageData{
			Error: "Sign-in was cancelled or refused by the provider.",
		})
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		s.writeJSON(w, http.StatusBadRequest, oauthtypes.ErrorResponse{
			Error:            oauthtypes.ErrorInvalidRequest,
			ErrorDescription: "state and code are required",
		})
		return
	}

	result, err := s.fed.HandleCallback(r.Context(), providerName, state, code)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, federation.ErrStateNotFound) {
			s.log.Warn("federated login failed", "provider", providerName, "error", err)
		}
		s.writeJSON(w, status, oauthtypes.ErrorResponse{
			Error:            oauthtypes.ErrorAccessDenied,
			ErrorDescription: "federated sign-in failed",
		})
		return
	}

	s.startSession(w, r, result.User.Sub, result.ReturnTo)
}
