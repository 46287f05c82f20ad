// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/session"
)

// discoveryDocument is the OIDC discovery response.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	issuer := strings.TrimRight(s.cfg.Issuer, "/")
	s.writeJSON(w, http.StatusOK, discoveryDocument{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/authorize",
		TokenEndpoint:                    issuer + "/token",
		UserinfoEndpoint:                 issuer + "/userinfo",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		RevocationEndpoint:               issuer + "/revoke",
		IntrospectionEndpoint:            issuer + "/introspect",
		EndSessionEndpoint:               issuer + "/end_session",
		ResponseTypesSupported:           []string{oauthtypes.ResponseTypeCode},
		GrantTypesSupported:              oauthtypes.SupportedGrantTypes,
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"},
		ScopesSupported:                  oauthtypes.SupportedScopes,
		TokenEndpointAuthMethodsSupported: oauthtypes.SupportedAuthMethods,
		CodeChallengeMethodsSupported:     []string{oauthtypes.PKCEMethodS256, oauthtypes.PKCEMethodPlain},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"email", "email_verified", "name", "given_name", "family_name", "picture",
		},
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.keys.JWKS())
}

// handleUserInfo returns the claims the access token's scopes grant.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		s.unauthorizedBearer(w, "missing bearer token")
		return
	}

	claims, err := s.tokens.VerifyAccessToken(token)
	if err != nil {
		s.unauthorizedBearer(w, "invalid access token")
		return
	}

	sub, _ := jose.StringClaim(claims, "sub")
	scope, _ := jose.StringClaim(claims, "scope")
	scopes := strings.Fields(scope)

	response := map[string]any{"sub": sub}
	if user, err := s.users.GetUser(r.Context(), sub); err == nil {
		if containsScope(scopes, oauthtypes.ScopeProfile) {
			if user.Name != "" {
				response["name"] = user.Name
			}
			if user.GivenName != "" {
				response["given_name"] = user.GivenName
			}
			if user.FamilyName != "" {
				response["family_name"] = user.FamilyName
			}
			if user.Picture != "" {
				response["picture"] = user.Picture
			}
		}
		if containsScope(scopes, oauthtypes.ScopeEmail) && user.Email != "" {
			response["email"] = user.Email
			response["email_verified"] = user.EmailVerified
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) unauthorizedBearer(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	s.writeJSON(w, http.StatusUnauthorized, oauthtypes.ErrorResponse{
		Error:            oauthtypes.ErrorInvalidToken,
		ErrorDescription: description,
	})
}

// bearerToken extracts the access token from the Authorization header or,
// for POST userinfo requests, the form body.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			return r.PostForm.Get("access_token")
		}
	}
	return ""
}

// handleEndSession clears the session cookie and redirects. The post-logout
// URI is honored only when a valid id_token_hint from this issuer names a
// client that registered that exact URI; anything else falls back to /login.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, session.ClearCookie(session.IsSecure(r)))

	issuer := strings.TrimRight(s.cfg.Issuer, "/")
	fallback := issuer + "/login"

	target := r.URL.Query().Get("post_logout_redirect_uri")
	if target == "" {
		http.Redirect(w, r, fallback, http.StatusFound)
		return
	}

	clientID := s.clientFromIDTokenHint(r.URL.Query().Get("id_token_hint"))
	if clientID == "" {
		http.Redirect(w, r, fallback, http.StatusFound)
		return
	}
	allowed, err := s.clients.IsRedirectURIAllowed(r.Context(), clientID, target)
	if err != nil || !allowed {
		http.Redirect(w, r, fallback, http.StatusFound)
		return
	}

	if state := r.URL.Query().Get("state"); state != "" {
		params := url.Values{}
		params.Set("state", state)
		target = appendQuery(target, params)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// clientFromIDTokenHint verifies the hint against our keys and issuer and
// returns the client it was issued to, or "".
func (s *Server) clientFromIDTokenHint(hint string) string {
	if hint == "" {
		return ""
	}
	claims, err := s.tokens.VerifyAccessToken(hint)
	if err != nil {
		return ""
	}
	if azp, _ := jose.StringClaim(claims, "azp"); azp != "" {
		return azp
	}
	aud, _ := jose.StringClaim(claims, "aud")
	return aud
}
