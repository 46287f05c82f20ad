// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/keys"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/userstore"
)

const testIssuer = "https://id.example.com"

type testEnv struct {
	service *Service
	store   *storage.Memory
	keys    *keys.Manager
	users   *userstore.Store
	user    *userstore.User
	clock   *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })

	now := time.Now().Truncate(time.Second)
	clock := &now
	tick := func() time.Time { return *clock }

	km, err := keys.NewManager(ctx, mem, keys.WithClock(tick))
	require.NoError(t, err)
	require.NoError(t, km.EnsureDefaults(ctx))

	users := userstore.New(mem)
	user, err := users.CreateUser(ctx, userstore.CreateUserInput{
		Name:            "Ada Lovelace",
		GivenName:       "Ada",
		FamilyName:      "Lovelace",
		Email:           "ada@example.com",
		EmailVerifiedAt: now,
	})
	require.NoError(t, err)

	svc, err := NewService(Config{Issuer: testIssuer}, km, mem, users, WithClock(tick))
	require.NoError(t, err)

	return &testEnv{service: svc, store: mem, keys: km, users: users, user: user, clock: clock}
}

func (e *testEnv) advance(d time.Duration) {
	*e.clock = e.clock.Add(d)
}

func confidentialClient() *storage.Client {
	return &storage.Client{
		ID:                      "client-1",
		Name:                    "Test RP",
		RedirectURIs:            []string{"https://example.com/callback"},
		GrantTypes:              []string{oauthtypes.GrantAuthorizationCode, oauthtypes.GrantRefreshToken},
		ResponseTypes:           []string{oauthtypes.ResponseTypeCode},
		Scopes:                  oauthtypes.SupportedScopes,
		TokenEndpointAuthMethod: oauthtypes.AuthMethodClientSecretBasic,
		SecretHash:              "irrelevant",
		IsActive:                true,
	}
}

func TestIssueClaims(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	client := confidentialClient()
	authTime := env.clock.Add(-2 * time.Minute)

	issued, err := env.service.Issue(context.Background(), client, env.user.Sub,
		[]string{"openid", "profile", "email"}, "nonce-1", authTime)
	require.NoError(t, err)

	assert.Equal(t, "Bearer", issued.TokenType)
	assert.Equal(t, int(DefaultAccessTokenTTL.Seconds()), issued.ExpiresIn)
	assert.Equal(t, "openid profile email", issued.Scope)
	assert.Empty(t, issued.RefreshToken, "no offline_access, no refresh token")

	access, err := env.service.VerifyAccessToken(issued.AccessToken)
	require.NoError(t, err)
	sub, _ := jose.StringClaim(access, "sub")
	assert.Equal(t, env.user.Sub, sub)
	aud, _ := jose.StringClaim(access, "aud")
	assert.Equal(t, client.ID, aud)
	clientID, _ := jose.StringClaim(access, "client_id")
	assert.Equal(t, client.ID, clientID)
	at, _ := jose.NumberClaim(access, "auth_time")
	assert.Equal(t, authTime.Unix(), at)
	jti, _ := jose.StringClaim(access, "jti")
	assert.NotEmpty(t, jti)

	key, err := env.keys.LatestActive(jose.RS256)
	require.NoError(t, err)
	_, id, err := jose.Verify(issued.IDToken, key.Public(), jose.RS256)
	require.NoError(t, err)

	azp, _ := jose.StringClaim(id, "azp")
	assert.Equal(t, client.ID, azp)
	nonce, _ := jose.StringClaim(id, "nonce")
	assert.Equal(t, "nonce-1", nonce)
	email, _ := jose.StringClaim(id, "email")
	assert.Equal(t, "ada@example.com", email)
	assert.Equal(t, true, id["email_verified"])
	name, _ := jose.StringClaim(id, "name")
	assert.Equal(t, "Ada Lovelace", name)

	// at_hash is the left half of SHA-256 over the access token.
	sum := sha256.Sum256([]byte(issued.AccessToken))
	atHash, _ := jose.StringClaim(id, "at_hash")
	assert.Equal(t, jose.Encode(sum[:16]), atHash)
}

func TestIssueRefreshTokenRequiresOfflineAccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	issued, err := env.service.Issue(ctx, client, env.user.Sub,
		[]string{"openid", "offline_access"}, "", *env.clock)
	require.NoError(t, err)
	assert.NotEmpty(t, issued.RefreshToken)

	// Only the hash is stored.
	record, err := env.store.GetRefreshToken(ctx, HashToken(issued.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, env.user.Sub, record.UserSub)
	assert.False(t, record.Revoked)

	// A client not registered for refresh_token gets none.
	noRefresh := confidentialClient()
	noRefresh.GrantTypes = []string{oauthtypes.GrantAuthorizationCode}
	issued, err = env.service.Issue(ctx, noRefresh, env.user.Sub,
		[]string{"openid", "offline_access"}, "", *env.clock)
	require.NoError(t, err)
	assert.Empty(t, issued.RefreshToken)
}

func TestIssueClientCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	client := confidentialClient()

	issued, err := env.service.IssueClientCredentials(context.Background(), client, []string{"openid"})
	require.NoError(t, err)
	assert.Empty(t, issued.IDToken)
	assert.Empty(t, issued.RefreshToken)

	claims, err := env.service.VerifyAccessToken(issued.AccessToken)
	require.NoError(t, err)
	sub, _ := jose.StringClaim(claims, "sub")
	assert.Equal(t, client.ID, sub, "client credentials tokens have the client as subject")
}

func mintCode(t *testing.T, env *testEnv, client *storage.Client, challenge, method string) string {
	t.Helper()
	code, err := env.service.MintAuthorizationCode(context.Background(), MintCodeInput{
		ClientID:            client.ID,
		RedirectURI:         "https://example.com/callback",
		Scopes:              []string{"openid", "offline_access"},
		UserSub:             env.user.Sub,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		AuthTime:            *env.clock,
	})
	require.NoError(t, err)
	return code
}

func TestExchangeCodeSingleUse(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()
	code := mintCode(t, env, client, "", "")

	issued, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
		Code:        code,
		RedirectURI: "https://example.com/callback",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.AccessToken)
	assert.NotEmpty(t, issued.IDToken)
	assert.NotEmpty(t, issued.RefreshToken)

	// Second exchange of the same code fails with invalid_grant and revokes
	// the refresh token issued from the first.
	_, err = env.service.ExchangeCode(ctx, client, ExchangeInput{
		Code:        code,
		RedirectURI: "https://example.com/callback",
	})
	var oerr *oauthtypes.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, oauthtypes.ErrorInvalidGrant, oerr.Code)

	record, err := env.store.GetRefreshToken(ctx, HashToken(issued.RefreshToken))
	require.NoError(t, err)
	assert.True(t, record.Revoked, "code replay revokes tokens issued from the code")
}

func TestExchangeCodeBindings(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	t.Run("expired code", func(t *testing.T) {
		code := mintCode(t, env, client, "", "")
		env.advance(61 * time.Second)
		_, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback",
		})
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("wrong client", func(t *testing.T) {
		code := mintCode(t, env, client, "", "")
		other := confidentialClient()
		other.ID = "client-2"
		_, err := env.service.ExchangeCode(ctx, other, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback",
		})
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("wrong redirect_uri", func(t *testing.T) {
		code := mintCode(t, env, client, "", "")
		_, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/other",
		})
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("client without grant", func(t *testing.T) {
		bare := confidentialClient()
		bare.GrantTypes = []string{oauthtypes.GrantClientCredentials}
		code := mintCode(t, env, bare, "", "")
		_, err := env.service.ExchangeCode(ctx, bare, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback",
		})
		assertOAuthError(t, err, oauthtypes.ErrorUnauthorizedClient)
	})
}

func TestExchangeCodePKCE(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	sum := sha256.Sum256([]byte(verifier))
	challenge := jose.Encode(sum[:])

	t.Run("S256 accepts matching verifier", func(t *testing.T) {
		code := mintCode(t, env, client, challenge, oauthtypes.PKCEMethodS256)
		_, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback", CodeVerifier: verifier,
		})
		require.NoError(t, err)
	})

	t.Run("S256 rejects wrong verifier", func(t *testing.T) {
		code := mintCode(t, env, client, challenge, oauthtypes.PKCEMethodS256)
		_, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback", CodeVerifier: "wrong-verifier",
		})
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("S256 rejects missing verifier", func(t *testing.T) {
		code := mintCode(t, env, client, challenge, oauthtypes.PKCEMethodS256)
		_, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback",
		})
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("plain compares verbatim", func(t *testing.T) {
		code := mintCode(t, env, client, "plain-challenge", oauthtypes.PKCEMethodPlain)
		_, err := env.service.ExchangeCode(ctx, client, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback", CodeVerifier: "plain-challenge",
		})
		require.NoError(t, err)
	})

	t.Run("public client requires challenge", func(t *testing.T) {
		public := confidentialClient()
		public.ID = "public-1"
		public.TokenEndpointAuthMethod = oauthtypes.AuthMethodNone
		public.SecretHash = ""
		code := mintCode(t, env, public, "", "")
		_, err := env.service.ExchangeCode(ctx, public, ExchangeInput{
			Code: code, RedirectURI: "https://example.com/callback",
		})
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	first, err := env.service.Issue(ctx, client, env.user.Sub,
		[]string{"openid", "offline_access"}, "", *env.clock)
	require.NoError(t, err)
	rt1 := first.RefreshToken

	second, err := env.service.Refresh(ctx, client, rt1, nil)
	require.NoError(t, err)
	rt2 := second.RefreshToken
	assert.NotEmpty(t, rt2)
	assert.NotEqual(t, rt1, rt2)
	assert.NotEmpty(t, second.IDToken, "openid scope keeps the id_token on refresh")

	// Replaying rt1 fails and revokes the descendant rt2 (chain revocation).
	_, err = env.service.Refresh(ctx, client, rt1, nil)
	assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)

	_, err = env.service.Refresh(ctx, client, rt2, nil)
	assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	first, err := env.service.Issue(ctx, client, env.user.Sub,
		[]string{"openid", "email", "offline_access"}, "", *env.clock)
	require.NoError(t, err)

	narrowed, err := env.service.Refresh(ctx, client, first.RefreshToken, []string{"openid"})
	require.NoError(t, err)
	assert.Equal(t, "openid", narrowed.Scope)

	// Widening beyond the original grant is invalid_scope.
	_, err = env.service.Refresh(ctx, client, narrowed.RefreshToken, []string{"openid", "profile"})
	assertOAuthError(t, err, oauthtypes.ErrorInvalidScope)
}

func TestRefreshRejections(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	first, err := env.service.Issue(ctx, client, env.user.Sub,
		[]string{"openid", "offline_access"}, "", *env.clock)
	require.NoError(t, err)

	t.Run("unknown token", func(t *testing.T) {
		_, err := env.service.Refresh(ctx, client, "not-a-token", nil)
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("wrong client", func(t *testing.T) {
		other := confidentialClient()
		other.ID = "client-2"
		_, err := env.service.Refresh(ctx, other, first.RefreshToken, nil)
		assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)
	})

	t.Run("client without grant", func(t *testing.T) {
		bare := confidentialClient()
		bare.GrantTypes = []string{oauthtypes.GrantAuthorizationCode}
		_, err := env.service.Refresh(ctx, bare, first.RefreshToken, nil)
		assertOAuthError(t, err, oauthtypes.ErrorUnauthorizedClient)
	})
}

func TestRevoke(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	issued, err := env.service.Issue(ctx, client, env.user.Sub,
		[]string{"openid", "offline_access"}, "", *env.clock)
	require.NoError(t, err)

	// Revoking a refresh token works and later refreshes fail.
	require.NoError(t, env.service.Revoke(ctx, issued.RefreshToken, client.ID))
	_, err = env.service.Refresh(ctx, client, issued.RefreshToken, nil)
	assertOAuthError(t, err, oauthtypes.ErrorInvalidGrant)

	// Unknown values, other clients' tokens, and JWT access tokens are all
	// accepted silently per RFC 7009.
	require.NoError(t, env.service.Revoke(ctx, "garbage", client.ID))
	require.NoError(t, env.service.Revoke(ctx, issued.RefreshToken, "client-2"))
	require.NoError(t, env.service.Revoke(ctx, issued.AccessToken, client.ID))
}

func TestIntrospect(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	issued, err := env.service.Issue(ctx, client, env.user.Sub,
		[]string{"openid", "offline_access"}, "", *env.clock)
	require.NoError(t, err)

	access := env.service.Introspect(ctx, issued.AccessToken)
	assert.True(t, access.Active)
	assert.Equal(t, env.user.Sub, access.Sub)
	assert.Equal(t, client.ID, access.ClientID)
	assert.Equal(t, "openid offline_access", access.Scope)
	assert.NotZero(t, access.Exp)

	refresh := env.service.Introspect(ctx, issued.RefreshToken)
	assert.True(t, refresh.Active)
	assert.Equal(t, "refresh_token", refresh.TokenType)

	assert.False(t, env.service.Introspect(ctx, "garbage").Active)

	// Expired access tokens introspect inactive.
	env.advance(DefaultAccessTokenTTL + time.Second)
	assert.False(t, env.service.Introspect(ctx, issued.AccessToken).Active)

	// Revoked refresh tokens introspect inactive.
	require.NoError(t, env.service.Revoke(ctx, issued.RefreshToken, client.ID))
	assert.False(t, env.service.Introspect(ctx, issued.RefreshToken).Active)
}

func TestVerifyAccessTokenAcrossRotation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	client := confidentialClient()

	issued, err := env.service.Issue(ctx, client, env.user.Sub, []string{"openid"}, "", *env.clock)
	require.NoError(t, err)

	// Rotate: retire the signing key and generate a replacement. The old
	// token still verifies via its kid.
	oldKey, err := env.keys.LatestActive(jose.RS256)
	require.NoError(t, err)
	_, err = env.keys.Generate(ctx, jose.RS256)
	require.NoError(t, err)
	require.NoError(t, env.keys.Retire(ctx, oldKey.KeyID))

	_, err = env.service.VerifyAccessToken(issued.AccessToken)
	require.NoError(t, err)

	// Tokens from other issuers are rejected even with a valid signature.
	otherSvc, err := NewService(Config{Issuer: "https://other.example.com"}, env.keys, env.store, env.users)
	require.NoError(t, err)
	foreign, err := otherSvc.Issue(ctx, client, env.user.Sub, []string{"openid"}, "", *env.clock)
	require.NoError(t, err)
	_, err = env.service.VerifyAccessToken(foreign.AccessToken)
	require.Error(t, err)
}

func assertOAuthError(t *testing.T, err error, code string) {
	t.Helper()
	var oerr *oauthtypes.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, code, oerr.Code)
}
