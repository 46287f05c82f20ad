// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/tokens"
)

// handleAuthorize runs the authorization endpoint. The validation order is
// load-bearing: until the redirect URI itself has been validated against the
// client's registration, errors render as an inline HTML page and never
// redirect anywhere the request chose.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	if clientID == "" {
		s.writeHTMLError(w, http.StatusBadRequest, oauthtypes.ErrorInvalidClient, "client_id is required")
		return
	}
	client, err := s.clients.Get(ctx, clientID)
	if err != nil {
		s.writeHTMLError(w, http.StatusBadRequest, oauthtypes.ErrorInvalidClient, "unknown client")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if redirectURI == "" || !client.HasRedirectURI(redirectURI) {
		s.writeHTMLError(w, http.StatusBadRequest, oauthtypes.ErrorInvalidRequest,
			"redirect_uri is missing or not registered for this client")
		return
	}

	// The redirect URI is trusted from here on; errors go back to the client.
	state := q.Get("state")
	fail := func(code, description string) {
		redirectError(w, r, redirectURI, code, description, state)
	}

	responseType := q.Get("response_type")
	if responseType != oauthtypes.ResponseTypeCode || !client.HasResponseType(responseType) {
		fail(oauthtypes.ErrorUnsupportedResponseType, "only the code response type is supported")
		return
	}

	scopes := strings.Fields(q.Get("scope"))
	if err := validateAuthorizeScopes(client.Scopes, scopes); err != nil {
		fail(oauthtypes.ErrorInvalidScope, err.Error())
		return
	}

	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if method != "" && method != oauthtypes.PKCEMethodS256 && method != oauthtypes.PKCEMethodPlain {
		fail(oauthtypes.ErrorInvalidRequest, "unsupported code_challenge_method")
		return
	}
	if client.Public() && challenge == "" {
		fail(oauthtypes.ErrorInvalidRequest, "public clients must send a code_challenge")
		return
	}
	if challenge != "" && method == "" {
		method = oauthtypes.PKCEMethodS256
	}

	sess, err := s.sessions.FromRequest(r)
	if err != nil {
		target := "/login?return_to=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	code, err := s.tokens.MintAuthorizationCode(ctx, tokens.MintCodeInput{
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		UserSub:             sess.Subject,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Nonce:               q.Get("nonce"),
		AuthTime:            sess.IssuedAt,
	})
	if err != nil {
		s.log.Error("failed to mint authorization code", "error", err)
		fail(oauthtypes.ErrorServerError, "failed to create authorization code")
		return
	}

	params := url.Values{}
	params.Set("code", code)
	if state != "" {
		params.Set("state", state)
	}
	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// validateAuthorizeScopes requires openid plus client- and server-supported
// scopes only.
func validateAuthorizeScopes(clientScopes, requested []string) error {
	hasOpenID := false
	for _, scope := range requested {
		if scope == oauthtypes.ScopeOpenID {
			hasOpenID = true
		}
		if !containsScope(clientScopes, scope) {
			return fmt.Errorf("scope %s is not registered for this client", scope)
		}
		if !containsScope(oauthtypes.SupportedScopes, scope) {
			return fmt.Errorf("scope %s is not supported", scope)
		}
	}
	if !hasOpenID {
		return fmt.Errorf("the openid scope is required")
	}
	return nil
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
