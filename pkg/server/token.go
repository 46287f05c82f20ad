// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/tokens"
)

// basicRealm is advertised on failed HTTP Basic client authentication.
const basicRealm = `Basic realm="signet"`

// handleToken runs the token endpoint for the authorization_code,
// refresh_token, and client_credentials grants.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { s.metrics.ObserveTokenRequest(time.Since(start)) }()

	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, oauthtypes.NewError(oauthtypes.ErrorInvalidRequest, "malformed form body"))
		return
	}

	client, basicAttempted, err := s.authenticateClient(r)
	if err != nil {
		if basicAttempted {
			w.Header().Set("WWW-Authenticate", basicRealm)
		}
		s.writeOAuthError(w, err)
		return
	}

	var issued *tokens.Issued
	switch grant := r.PostForm.Get("grant_type"); grant {
	case oauthtypes.GrantAuthorizationCode:
		issued, err = s.tokens.ExchangeCode(ctx, client, tokens.ExchangeInput{
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
		})
	case oauthtypes.GrantRefreshToken:
		issued, err = s.refreshGrant(r, client)
	case oauthtypes.GrantClientCredentials:
		issued, err = s.clientCredentialsGrant(r, client)
	default:
		err = oauthtypes.NewError(oauthtypes.ErrorUnsupportedGrantType,
			"unsupported grant_type "+grant)
	}
	if err != nil {
		s.writeOAuthError(w, err)
		return
	}

	writeNoStore(w)
	s.writeJSON(w, http.StatusOK, issued)
}

func (s *Server) refreshGrant(r *http.Request, client *storage.Client) (*tokens.Issued, error) {
	presented := r.PostForm.Get("refresh_token")
	if presented == "" {
		return nil, oauthtypes.NewError(oauthtypes.ErrorInvalidRequest, "refresh_token is required")
	}
	return s.tokens.Refresh(r.Context(), client, presented, strings.Fields(r.PostForm.Get("scope")))
}

func (s *Server) clientCredentialsGrant(r *http.Request, client *storage.Client) (*tokens.Issued, error) {
	if client.Public() {
		return nil, oauthtypes.NewError(oauthtypes.ErrorInvalidClient,
			"client_credentials requires client authentication")
	}
	if !client.HasGrantType(oauthtypes.GrantClientCredentials) {
		return nil, oauthtypes.NewError(oauthtypes.ErrorUnauthorizedClient,
			"client is not registered for the client_credentials grant")
	}

	scopes := strings.Fields(r.PostForm.Get("scope"))
	if len(scopes) == 0 {
		scopes = client.Scopes
	}
	for _, scope := range scopes {
		if !client.HasScope(scope) {
			return nil, oauthtypes.NewError(oauthtypes.ErrorInvalidScope,
				"scope "+scope+" is not registered for this client")
		}
	}
	return s.tokens.IssueClientCredentials(r.Context(), client, scopes)
}

// authenticateClient resolves the requesting client. The methods are tried in
// order: HTTP Basic (client_secret_basic, with URL-decoded credentials), form
// body secret (client_secret_post), then bare client_id for public clients.
// The boolean reports whether Basic was attempted, which decides the
// WWW-Authenticate challenge on failure.
func (s *Server) authenticateClient(r *http.Request) (*storage.Client, bool, error) {
	if id, secret, ok := r.BasicAuth(); ok {
		decodedID, err := url.QueryUnescape(id)
		if err != nil {
			return nil, true, oauthtypes.NewError(oauthtypes.ErrorInvalidClient, "malformed client_id")
		}
		decodedSecret, err := url.QueryUnescape(secret)
		if err != nil {
			return nil, true, oauthtypes.NewError(oauthtypes.ErrorInvalidClient, "malformed client_secret")
		}
		client, err := s.clients.Authenticate(r.Context(), decodedID, decodedSecret)
		if err != nil {
			s.authFailure(decodedID, "basic authentication failed")
			return nil, true, oauthtypes.NewError(oauthtypes.ErrorInvalidClient, "client authentication failed")
		}
		return client, true, nil
	}

	id := r.PostForm.Get("client_id")
	if id == "" {
		return nil, false, oauthtypes.NewError(oauthtypes.ErrorInvalidClient, "client authentication required")
	}

	if secret := r.PostForm.Get("client_secret"); secret != "" {
		client, err := s.clients.Authenticate(r.Context(), id, secret)
		if err != nil {
			s.authFailure(id, "post authentication failed")
			return nil, false, oauthtypes.NewError(oauthtypes.ErrorInvalidClient, "client authentication failed")
		}
		return client, false, nil
	}

	client, err := s.clients.Get(r.Context(), id)
	if err != nil || !client.Public() {
		s.authFailure(id, "public client lookup failed")
		return nil, false, oauthtypes.NewError(oauthtypes.ErrorInvalidClient, "client authentication failed")
	}
	return client, false, nil
}

// handleRevoke implements RFC 7009. The response is 200 with an empty JSON
// object for every authenticated request, whatever the token was.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, oauthtypes.NewError(oauthtypes.ErrorInvalidRequest, "malformed form body"))
		return
	}

	client, basicAttempted, err := s.authenticateClient(r)
	if err != nil {
		if basicAttempted {
			w.Header().Set("WWW-Authenticate", basicRealm)
		}
		s.writeOAuthError(w, err)
		return
	}

	if err := s.tokens.Revoke(r.Context(), r.PostForm.Get("token"), client.ID); err != nil {
		s.writeOAuthError(w, err)
		return
	}
	writeNoStore(w)
	s.writeJSON(w, http.StatusOK, struct{}{})
}

// handleIntrospect implements RFC 7662 for authenticated clients.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, oauthtypes.NewError(oauthtypes.ErrorInvalidRequest, "malformed form body"))
		return
	}

	_, basicAttempted, err := s.authenticateClient(r)
	if err != nil {
		if basicAttempted {
			w.Header().Set("WWW-Authenticate", basicRealm)
		}
		s.writeOAuthError(w, err)
		return
	}

	writeNoStore(w)
	s.writeJSON(w, http.StatusOK, s.tokens.Introspect(r.Context(), r.PostForm.Get("token")))
}

func (s *Server) authFailure(clientID, reason string) {
	s.recorder.Record(events.AuthFailure, events.Fields{ClientID: clientID, Reason: reason})
}
