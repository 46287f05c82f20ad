// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signet/pkg/clients"
	"github.com/stacklok/signet/pkg/keys"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/session"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/tokens"
	"github.com/stacklok/signet/pkg/userstore"
)

const (
	testIssuer   = "https://id.example.com"
	testPassword = "correct horse battery staple"
)

// idpEnv is a full identity provider on an in-memory store behind httptest.
type idpEnv struct {
	t        *testing.T
	srv      *httptest.Server
	server   *Server
	repo     *storage.Memory
	registry *clients.Registry
	sessions *session.Service
	users    userstore.UserStore
	user     *userstore.User
}

func newIDPEnv(t *testing.T) *idpEnv {
	t.Helper()
	ctx := context.Background()

	repo := storage.NewMemory()
	t.Cleanup(func() { _ = repo.Close() })

	keyManager, err := keys.NewManager(ctx, repo)
	require.NoError(t, err)
	require.NoError(t, keyManager.EnsureDefaults(ctx))

	sessions, err := session.NewService([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	users := userstore.New(repo)
	user, err := users.CreateUser(ctx, userstore.CreateUserInput{
		Name:            "Ada Lovelace",
		Email:           "ada@example.com",
		EmailVerifiedAt: time.Now(),
		Password:        testPassword,
	})
	require.NoError(t, err)

	registry := clients.NewRegistry(repo)
	tokenService, err := tokens.NewService(tokens.Config{Issuer: testIssuer}, keyManager, repo, users)
	require.NoError(t, err)

	server, err := New(Config{Issuer: testIssuer}, Deps{
		Store:    repo,
		Clients:  registry,
		Tokens:   tokenService,
		Keys:     keyManager,
		Sessions: sessions,
		Users:    users,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &idpEnv{
		t:        t,
		srv:      srv,
		server:   server,
		repo:     repo,
		registry: registry,
		sessions: sessions,
		users:    users,
		user:     user,
	}
}

// httpClient never follows redirects, so tests can inspect Location headers.
func (e *idpEnv) httpClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// sessionCookie logs the test user in by minting a session directly.
func (e *idpEnv) sessionCookie() *http.Cookie {
	e.t.Helper()
	token, err := e.sessions.Issue(e.user.Sub)
	require.NoError(e.t, err)
	return &http.Cookie{Name: session.CookieName, Value: token}
}

func (e *idpEnv) registerClient(input clients.RegisterInput) *clients.ClientWithSecret {
	e.t.Helper()
	created, err := e.registry.Register(context.Background(), input)
	require.NoError(e.t, err)
	return created
}

// authorize drives GET /authorize with a session and returns the issued code.
func (e *idpEnv) authorize(clientID, redirectURI, scope, state string, extra url.Values) string {
	e.t.Helper()

	params := url.Values{}
	params.Set("client_id", clientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("response_type", "code")
	params.Set("scope", scope)
	if state != "" {
		params.Set("state", state)
	}
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/authorize?"+params.Encode(), nil)
	require.NoError(e.t, err)
	req.AddCookie(e.sessionCookie())

	resp, err := e.httpClient().Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	require.Equal(e.t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(e.t, err)
	require.Empty(e.t, location.Query().Get("error"), "authorize redirected with an error")
	code := location.Query().Get("code")
	require.NotEmpty(e.t, code)
	if state != "" {
		require.Equal(e.t, state, location.Query().Get("state"))
	}
	return code
}

// postToken submits a token request and decodes the response.
func (e *idpEnv) postToken(form url.Values) (int, map[string]any) {
	e.t.Helper()

	resp, err := http.PostForm(e.srv.URL+"/token", form)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(e.t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	buf := make([]byte, 32)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	verifier = base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func TestDiscoveryAndJWKS(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	resp, err := http.Get(env.srv.URL + "/.well-known/openid-configuration")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, testIssuer, doc["issuer"])
	assert.Equal(t, testIssuer+"/token", doc["token_endpoint"])
	assert.Equal(t, testIssuer+"/authorize", doc["authorization_endpoint"])
	assert.Equal(t, testIssuer+"/.well-known/jwks.json", doc["jwks_uri"])

	toStrings := func(v any) []string {
		items, _ := v.([]any)
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, item.(string))
		}
		return out
	}
	assert.Subset(t, toStrings(doc["scopes_supported"]), []string{"openid", "profile", "email", "offline_access"})
	assert.Subset(t, toStrings(doc["id_token_signing_alg_values_supported"]), []string{"RS256", "ES256"})
	assert.Subset(t, toStrings(doc["code_challenge_methods_supported"]), []string{"S256", "plain"})
	assert.Equal(t, []string{"public"}, toStrings(doc["subject_types_supported"]))
	assert.Subset(t, toStrings(doc["claims_supported"]), []string{"sub", "iss", "aud", "exp", "iat", "email", "name"})

	jwksResp, err := http.Get(env.srv.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer jwksResp.Body.Close()
	require.Equal(t, http.StatusOK, jwksResp.StatusCode)

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(jwksResp.Body).Decode(&jwks))
	require.Len(t, jwks.Keys, 2)
	for _, key := range jwks.Keys {
		assert.NotEmpty(t, key["kid"])
		assert.NotContains(t, key, "d")
	}
}

func TestPublicClientPKCEFlow(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:                    "spa",
		RedirectURIs:            []string{"https://example.com/callback"},
		TokenEndpointAuthMethod: oauthtypes.AuthMethodNone,
	})
	verifier, challenge := pkcePair(t)

	code := env.authorize(client.ID, "https://example.com/callback", "openid", "pkce-state", url.Values{
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	})

	status, body := env.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ID},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	})
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["id_token"])
	assert.Equal(t, "Bearer", body["token_type"])

	// The code is single-use.
	status, body = env.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ID},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
		"code_verifier": {verifier},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestAuthorizeUnknownClientNeverRedirects(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	target := env.srv.URL + "/authorize?client_id=00000000-0000-0000-0000-000000000000" +
		"&redirect_uri=" + url.QueryEscape("https://example.com/callback") +
		"&response_type=code&scope=openid"
	resp, err := env.httpClient().Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "invalid_client")
	assert.NotContains(t, string(body), "https://example.com/callback")
}

func TestAuthorizeUnregisteredRedirectURI(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
	})

	target := env.srv.URL + "/authorize?client_id=" + client.ID +
		"&redirect_uri=" + url.QueryEscape("https://attacker.example/steal") +
		"&response_type=code&scope=openid"
	resp, err := env.httpClient().Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "attacker.example")
}

func TestAuthorizeRedirectsErrorsAfterURIValidation(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
	})

	tests := []struct {
		name      string
		params    url.Values
		wantError string
	}{
		{
			name:      "wrong response type",
			params:    url.Values{"response_type": {"token"}, "scope": {"openid"}},
			wantError: "unsupported_response_type",
		},
		{
			name:      "missing openid scope",
			params:    url.Values{"response_type": {"code"}, "scope": {"profile"}},
			wantError: "invalid_scope",
		},
		{
			name:      "unknown scope",
			params:    url.Values{"response_type": {"code"}, "scope": {"openid admin"}},
			wantError: "invalid_scope",
		},
		{
			name:      "bad pkce method",
			params:    url.Values{"response_type": {"code"}, "scope": {"openid"}, "code_challenge": {"x"}, "code_challenge_method": {"S512"}},
			wantError: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := url.Values{}
			params.Set("client_id", client.ID)
			params.Set("redirect_uri", "https://example.com/callback")
			params.Set("state", "xyz")
			for k, vs := range tt.params {
				params[k] = vs
			}

			req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/authorize?"+params.Encode(), nil)
			require.NoError(t, err)
			req.AddCookie(env.sessionCookie())

			resp, err := env.httpClient().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusFound, resp.StatusCode)
			location, err := url.Parse(resp.Header.Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "example.com", location.Host)
			assert.Equal(t, tt.wantError, location.Query().Get("error"))
			assert.Equal(t, "xyz", location.Query().Get("state"))
		})
	}
}

func TestAuthorizeWithoutSessionRedirectsToLogin(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
	})

	target := env.srv.URL + "/authorize?client_id=" + client.ID +
		"&redirect_uri=" + url.QueryEscape("https://example.com/callback") +
		"&response_type=code&scope=openid"
	resp, err := env.httpClient().Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	location := resp.Header.Get("Location")
	assert.True(t, strings.HasPrefix(location, "/login?return_to="), location)
	assert.Contains(t, location, url.QueryEscape("/authorize?"))
}

func TestLoginOpenRedirectGuard(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	for _, returnTo := range []string{"https://evil.com/phishing", "//evil.com", `/\evil.com`} {
		resp, err := env.httpClient().PostForm(env.srv.URL+"/login", url.Values{
			"email":     {"ada@example.com"},
			"password":  {testPassword},
			"return_to": {returnTo},
		})
		require.NoError(t, err)
		resp.Body.Close()

		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "/", resp.Header.Get("Location"), "return_to=%s", returnTo)
	}
}

func TestLoginSetsSessionCookie(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	resp, err := env.httpClient().PostForm(env.srv.URL+"/login", url.Values{
		"email":     {"ada@example.com"},
		"password":  {testPassword},
		"return_to": {"/account"},
	})
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/account", resp.Header.Get("Location"))

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	sess, err := env.sessions.Verify(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, env.user.Sub, sess.Subject)
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	for _, email := range []string{"ada@example.com", "nobody@example.com"} {
		resp, err := env.httpClient().PostForm(env.srv.URL+"/login", url.Values{
			"email":    {email},
			"password": {"wrong"},
		})
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		// Unknown address and wrong password are indistinguishable.
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, string(body), "Invalid email or password")
		assert.Empty(t, resp.Cookies())
	}
}

func TestRefreshReplayRevokesChain(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "profile", "email", "offline_access"},
	})

	code := env.authorize(client.ID, "https://example.com/callback", "openid offline_access", "", nil)
	status, body := env.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
	})
	require.Equal(t, http.StatusOK, status)
	rt1, _ := body["refresh_token"].(string)
	require.NotEmpty(t, rt1)

	status, body = env.postToken(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"refresh_token": {rt1},
	})
	require.Equal(t, http.StatusOK, status)
	rt2, _ := body["refresh_token"].(string)
	require.NotEmpty(t, rt2)
	require.NotEqual(t, rt1, rt2)

	// Replaying the rotated-out token fails and takes the chain with it.
	status, body = env.postToken(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"refresh_token": {rt1},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])

	status, body = env.postToken(url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"refresh_token": {rt2},
	})
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_grant", body["error"])
}

func TestTokenEndpointClientAuth(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "svc",
		RedirectURIs: []string{"https://example.com/callback"},
		GrantTypes:   []string{"authorization_code", "client_credentials"},
	})

	t.Run("basic auth success", func(t *testing.T) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/token", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(url.QueryEscape(client.ID), url.QueryEscape(client.Secret))

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
		assert.Equal(t, "no-cache", resp.Header.Get("Pragma"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.NotEmpty(t, body["access_token"])
		assert.Nil(t, body["id_token"])
		assert.Nil(t, body["refresh_token"])
	})

	t.Run("failed basic auth advertises challenge", func(t *testing.T) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/token", strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(client.ID, "wrong-secret")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
	})

	t.Run("failed post auth has no challenge", func(t *testing.T) {
		status, body := env.postToken(url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {client.ID},
			"client_secret": {"wrong-secret"},
		})
		require.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "invalid_client", body["error"])
	})

	t.Run("unknown grant type", func(t *testing.T) {
		status, body := env.postToken(url.Values{
			"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
			"client_id":     {client.ID},
			"client_secret": {client.Secret},
		})
		require.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "unsupported_grant_type", body["error"])
	})
}

func TestUserInfo(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
	})
	code := env.authorize(client.ID, "https://example.com/callback", "openid profile email", "", nil)
	status, body := env.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
	})
	require.Equal(t, http.StatusOK, status)
	accessToken := body["access_token"].(string)

	t.Run("claims follow scopes", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/userinfo", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+accessToken)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var claims map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
		assert.Equal(t, env.user.Sub, claims["sub"])
		assert.Equal(t, "Ada Lovelace", claims["name"])
		assert.Equal(t, "ada@example.com", claims["email"])
		assert.Equal(t, true, claims["email_verified"])
	})

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Get(env.srv.URL + "/userinfo")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `Bearer error="invalid_token"`)
	})

	t.Run("garbage token", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/userinfo", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer not-a-jwt")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestEndSession(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
	})
	code := env.authorize(client.ID, "https://example.com/callback", "openid", "", nil)
	status, body := env.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
	})
	require.Equal(t, http.StatusOK, status)
	idToken := body["id_token"].(string)

	clearsCookie := func(t *testing.T, resp *http.Response) {
		for _, c := range resp.Cookies() {
			if c.Name == session.CookieName {
				assert.Equal(t, -1, c.MaxAge)
				return
			}
		}
		t.Fatal("session cookie not cleared")
	}

	t.Run("no redirect uri falls back to login", func(t *testing.T) {
		resp, err := env.httpClient().Get(env.srv.URL + "/end_session")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, testIssuer+"/login", resp.Header.Get("Location"))
		clearsCookie(t, resp)
	})

	t.Run("unverifiable hint falls back to login", func(t *testing.T) {
		resp, err := env.httpClient().Get(env.srv.URL + "/end_session?post_logout_redirect_uri=" +
			url.QueryEscape("https://example.com/callback") + "&id_token_hint=garbage")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, testIssuer+"/login", resp.Header.Get("Location"))
	})

	t.Run("unregistered uri falls back to login", func(t *testing.T) {
		resp, err := env.httpClient().Get(env.srv.URL + "/end_session?post_logout_redirect_uri=" +
			url.QueryEscape("https://evil.com/out") + "&id_token_hint=" + idToken)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, testIssuer+"/login", resp.Header.Get("Location"))
	})

	t.Run("valid hint honors uri and state", func(t *testing.T) {
		resp, err := env.httpClient().Get(env.srv.URL + "/end_session?post_logout_redirect_uri=" +
			url.QueryEscape("https://example.com/callback") + "&id_token_hint=" + idToken + "&state=bye")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)
		location, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, "example.com", location.Host)
		assert.Equal(t, "bye", location.Query().Get("state"))
	})
}

func TestRevokeAndIntrospect(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	client := env.registerClient(clients.RegisterInput{
		Name:         "web",
		RedirectURIs: []string{"https://example.com/callback"},
		GrantTypes:   []string{"authorization_code", "refresh_token"},
		Scopes:       []string{"openid", "offline_access"},
	})
	code := env.authorize(client.ID, "https://example.com/callback", "openid offline_access", "", nil)
	status, body := env.postToken(url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"code":          {code},
		"redirect_uri":  {"https://example.com/callback"},
	})
	require.Equal(t, http.StatusOK, status)
	refreshToken := body["refresh_token"].(string)

	introspect := func(token string) map[string]any {
		resp, err := http.PostForm(env.srv.URL+"/introspect", url.Values{
			"client_id":     {client.ID},
			"client_secret": {client.Secret},
			"token":         {token},
		})
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	assert.Equal(t, true, introspect(refreshToken)["active"])

	resp, err := http.PostForm(env.srv.URL+"/revoke", url.Values{
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"token":         {refreshToken},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, false, introspect(refreshToken)["active"])

	// Unknown tokens revoke to 200 as well.
	resp, err = http.PostForm(env.srv.URL+"/revoke", url.Values{
		"client_id":     {client.ID},
		"client_secret": {client.Secret},
		"token":         {"never-issued"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Unauthenticated revocation is refused.
	resp, err = http.PostForm(env.srv.URL+"/revoke", url.Values{"token": {refreshToken}})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMagicLinkLogin(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	// Capture the link instead of sending mail.
	var captured string
	env.server.links = senderFunc(func(_ context.Context, _, linkURL string) error {
		captured = linkURL
		return nil
	})

	resp, err := env.httpClient().PostForm(env.srv.URL+"/login/link", url.Values{
		"email":     {"ada@example.com"},
		"return_to": {"/account"},
	})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.NotEmpty(t, captured)

	// The link carries the issuer's base URL; rewrite to the test server.
	token := captured[strings.LastIndex(captured, "/")+1:]
	verify := env.srv.URL + "/login/link/" + token

	resp, err = env.httpClient().Get(verify)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/account", resp.Header.Get("Location"))

	var sessionSet bool
	for _, c := range resp.Cookies() {
		if c.Name == session.CookieName && c.Value != "" {
			sessionSet = true
		}
	}
	assert.True(t, sessionSet)

	// Links are single-use.
	resp, err = env.httpClient().Get(verify)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMagicLinkUnknownAddressIndistinguishable(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	post := func(email string) *http.Response {
		resp, err := env.httpClient().PostForm(env.srv.URL+"/login/link", url.Values{
			"email": {email},
		})
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	known := post("ada@example.com")
	unknown := post("nobody@example.com")
	assert.Equal(t, known.StatusCode, unknown.StatusCode)
	assert.Equal(t, known.Header.Get("Location"), unknown.Header.Get("Location"))
}

func TestClientAdminAPI(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	post := func(body string) (*http.Response, map[string]any) {
		resp, err := http.Post(env.srv.URL+"/clients", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, created := post(`{"client_name":"web","redirect_uris":["https://example.com/cb"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["client_id"].(string)
	require.NotEmpty(t, id)
	assert.NotEmpty(t, created["client_secret"])

	resp, _ = post(`{"client_name":"","redirect_uris":["https://example.com/cb"]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(env.srv.URL + "/clients/" + id)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	var fetched map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&fetched))
	assert.Empty(t, fetched["client_secret"])

	req, err := http.NewRequest(http.MethodPut, env.srv.URL+"/clients/"+id,
		strings.NewReader(`{"client_name":"web2"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)
	var updated map[string]any
	require.NoError(t, json.NewDecoder(putResp.Body).Decode(&updated))
	assert.Equal(t, "web2", updated["client_name"])

	delReq, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/clients/"+id, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	// Deactivated clients are not found.
	missing, err := http.Get(env.srv.URL + "/clients/" + id)
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestFederationUnconfiguredProvider(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	resp, err := env.httpClient().Get(env.srv.URL + "/auth/google")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = env.httpClient().Get(env.srv.URL + "/auth/google/callback?state=x&code=y")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newIDPEnv(t)

	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// senderFunc adapts a function to LinkSender.
type senderFunc func(ctx context.Context, email, linkURL string) error

func (f senderFunc) SendLoginLink(ctx context.Context, email, linkURL string) error {
	return f(ctx, email, linkURL)
}
