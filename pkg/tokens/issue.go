// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/userstore"
)

// Issued is the token endpoint's success response body.
type Issued struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Issue produces the token set for an authenticated user: an access token, an
// ID token, and, when the client is registered for the refresh_token grant
// and offline_access was granted, an opaque refresh token.
func (s *Service) Issue(
	ctx context.Context,
	client *storage.Client,
	userSub string,
	scopes []string,
	nonce string,
	authTime time.Time,
) (*Issued, error) {
	now := s.now()

	accessToken, err := s.signAccessToken(client.ID, userSub, client.ID, scopes, authTime, now)
	if err != nil {
		return nil, err
	}

	idToken, err := s.signIDToken(ctx, client.ID, userSub, scopes, nonce, authTime, accessToken, now)
	if err != nil {
		return nil, err
	}

	issued := &Issued{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       joinScopes(scopes),
		IDToken:     idToken,
	}

	if client.HasGrantType(oauthtypes.GrantRefreshToken) && hasScope(scopes, oauthtypes.ScopeOfflineAccess) {
		refresh, err := s.mintRefreshToken(ctx, client.ID, userSub, scopes, authTime, now)
		if err != nil {
			return nil, err
		}
		issued.RefreshToken = refresh
	}

	s.record(events.TokenIssued, events.Fields{
		UserID:    userSub,
		ClientID:  client.ID,
		GrantType: oauthtypes.GrantAuthorizationCode,
	})
	return issued, nil
}

// IssueClientCredentials produces a machine access token for the client
// itself: sub is the client id and no ID or refresh token is issued.
func (s *Service) IssueClientCredentials(ctx context.Context, client *storage.Client, scopes []string) (*Issued, error) {
	_ = ctx
	now := s.now()

	audience := s.cfg.DefaultAudience
	if audience == "" {
		audience = client.ID
	}
	accessToken, err := s.signAccessToken(client.ID, client.ID, audience, scopes, now, now)
	if err != nil {
		return nil, err
	}

	s.record(events.TokenIssued, events.Fields{
		ClientID:  client.ID,
		GrantType: oauthtypes.GrantClientCredentials,
	})
	return &Issued{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       joinScopes(scopes),
	}, nil
}

func (s *Service) signAccessToken(clientID, sub, audience string, scopes []string, authTime, now time.Time) (string, error) {
	key, err := s.keys.LatestActive(s.cfg.SigningAlgorithm)
	if err != nil {
		return "", fmt.Errorf("no signing key available: %w", err)
	}

	claims := map[string]any{
		"iss":       s.cfg.Issuer,
		"sub":       sub,
		"aud":       audience,
		"scope":     joinScopes(scopes),
		"client_id": clientID,
		"jti":       uuid.NewString(),
		"auth_time": authTime.Unix(),
	}
	payload, err := jose.BuildPayload(claims, s.cfg.AccessTokenTTL, now)
	if err != nil {
		return "", err
	}
	return jose.Sign(payload, key.Private, key.Algorithm, key.KeyID)
}

func (s *Service) signIDToken(
	ctx context.Context,
	clientID, sub string,
	scopes []string,
	nonce string,
	authTime time.Time,
	accessToken string,
	now time.Time,
) (string, error) {
	key, err := s.keys.LatestActive(s.cfg.SigningAlgorithm)
	if err != nil {
		return "", fmt.Errorf("no signing key available: %w", err)
	}

	atHash, err := jose.AccessTokenHash(key.Algorithm, accessToken)
	if err != nil {
		return "", err
	}

	claims := map[string]any{
		"iss":       s.cfg.Issuer,
		"sub":       sub,
		"aud":       clientID,
		"azp":       clientID,
		"auth_time": authTime.Unix(),
		"at_hash":   atHash,
	}
	if nonce != "" {
		claims["nonce"] = nonce
	}

	if err := s.addProfileClaims(ctx, claims, sub, scopes); err != nil {
		return "", err
	}

	payload, err := jose.BuildPayload(claims, s.cfg.IDTokenTTL, now)
	if err != nil {
		return "", err
	}
	return jose.Sign(payload, key.Private, key.Algorithm, key.KeyID)
}

// addProfileClaims resolves the user and copies in the claims the granted
// scopes allow. A missing user record is not fatal; the ID token simply
// carries no profile claims.
func (s *Service) addProfileClaims(ctx context.Context, claims map[string]any, sub string, scopes []string) error {
	if s.users == nil || (!hasScope(scopes, oauthtypes.ScopeEmail) && !hasScope(scopes, oauthtypes.ScopeProfile)) {
		return nil
	}

	user, err := s.users.GetUser(ctx, sub)
	if err != nil {
		if errors.Is(err, userstore.ErrUserNotFound) {
			return nil
		}
		return fmt.Errorf("failed to resolve user claims: %w", err)
	}

	if hasScope(scopes, oauthtypes.ScopeEmail) && user.Email != "" {
		claims["email"] = user.Email
		claims["email_verified"] = user.EmailVerified
	}
	if hasScope(scopes, oauthtypes.ScopeProfile) {
		if user.Name != "" {
			claims["name"] = user.Name
		}
		if user.GivenName != "" {
			claims["given_name"] = user.GivenName
		}
		if user.FamilyName != "" {
			claims["family_name"] = user.FamilyName
		}
		if user.Picture != "" {
			claims["picture"] = user.Picture
		}
	}
	return nil
}

func (s *Service) mintRefreshToken(ctx context.Context, clientID, userSub string, scopes []string, authTime, now time.Time) (string, error) {
	token, err := randomToken(RefreshTokenSize)
	if err != nil {
		return "", err
	}

	record := &storage.RefreshToken{
		TokenHash: HashToken(token),
		ClientID:  clientID,
		UserSub:   userSub,
		Scopes:    scopes,
		AuthTime:  authTime,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	applied, err := s.store.InsertRefreshToken(ctx, record)
	if err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}
	if !applied {
		return "", fmt.Errorf("refresh token hash collision")
	}
	return token, nil
}
