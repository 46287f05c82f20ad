// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
)

// usedCodePrefix keys the tombstone row remembered after a code is consumed,
// so a replay can be distinguished from an unknown code and punished.
const usedCodePrefix = "used."

// MintCodeInput captures the validated authorization request the code is
// bound to.
type MintCodeInput struct {
	ClientID            string
	RedirectURI         string
	Scopes              []string
	UserSub             string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string

	// AuthTime is when the user authenticated, from the session.
	AuthTime time.Time
}

// MintAuthorizationCode creates and stores a single-use code with the
// configured TTL.
func (s *Service) MintAuthorizationCode(ctx context.Context, input MintCodeInput) (string, error) {
	code, err := randomToken(CodeSize)
	if err != nil {
		return "", err
	}

	now := s.now()
	row := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            input.ClientID,
		RedirectURI:         input.RedirectURI,
		Scopes:              input.Scopes,
		UserSub:             input.UserSub,
		CodeChallenge:       input.CodeChallenge,
		CodeChallengeMethod: input.CodeChallengeMethod,
		Nonce:               input.Nonce,
		AuthTime:            input.AuthTime,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.CodeTTL),
	}
	applied, err := s.store.InsertAuthorizationCode(ctx, row)
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !applied {
		return "", fmt.Errorf("authorization code collision")
	}
	return code, nil
}

// ExchangeInput is the authorization_code grant request after client
// authentication.
type ExchangeInput struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// ExchangeCode runs the authorization_code grant for an authenticated client:
// atomic single-use consumption, binding checks, PKCE verification, then
// issuance. Every rejection is invalid_grant except a client not registered
// for the grant, which is unauthorized_client.
func (s *Service) ExchangeCode(ctx context.Context, client *storage.Client, input ExchangeInput) (*Issued, error) {
	if input.Code == "" {
		return nil, s.denyExchange(client.ID, "missing code")
	}

	code, applied, err := s.store.ConsumeAuthorizationCode(ctx, input.Code)
	if err != nil {
		return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
	}
	if !applied {
		s.punishCodeReplay(ctx, input.Code)
		return nil, s.denyExchange(client.ID, "unknown, expired, or already used code")
	}

	if code.ClientID != client.ID {
		return nil, s.denyExchange(client.ID, "code was issued to another client")
	}
	if code.RedirectURI != input.RedirectURI {
		return nil, s.denyExchange(client.ID, "redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(code, input.CodeVerifier, client.Public()); err != nil {
		return nil, s.denyExchange(client.ID, err.Error())
	}
	if !client.HasGrantType(oauthtypes.GrantAuthorizationCode) {
		s.record(events.AuthFailure, events.Fields{
			ClientID: client.ID,
			Reason:   "client not registered for authorization_code",
		})
		return nil, oauthtypes.NewError(oauthtypes.ErrorUnauthorizedClient,
			"client is not registered for the authorization_code grant")
	}

	issued, err := s.Issue(ctx, client, code.UserSub, code.Scopes, code.Nonce, code.AuthTime)
	if err != nil {
		return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
	}
	s.rememberConsumedCode(ctx, code)
	return issued, nil
}

// rememberConsumedCode leaves a tombstone so replaying the code later can
// trigger replay revocation. Best effort; losing the tombstone only degrades
// replay handling to a plain invalid_grant.
func (s *Service) rememberConsumedCode(ctx context.Context, code *storage.AuthorizationCode) {
	now := s.now()
	tombstone := &storage.AuthorizationCode{
		Code:      usedCodePrefix + HashToken(code.Code),
		ClientID:  code.ClientID,
		UserSub:   code.UserSub,
		AuthTime:  now,
		CreatedAt: now,
		ExpiresAt: now.Add(DefaultCodeReuseWindow),
	}
	if _, err := s.store.InsertAuthorizationCode(ctx, tombstone); err != nil {
		slog.Warn("failed to record consumed authorization code", "error", err)
	}
}

// punishCodeReplay checks whether the failed exchange was a replay of a
// consumed code and, if so, revokes every refresh token issued to that
// (client, user) pair since the code was first exchanged.
func (s *Service) punishCodeReplay(ctx context.Context, code string) {
	tombstone, applied, err := s.store.ConsumeAuthorizationCode(ctx, usedCodePrefix+HashToken(code))
	if err != nil || !applied {
		return
	}

	revoked, err := s.store.RevokeRefreshTokensIssuedAfter(
		ctx, tombstone.ClientID, tombstone.UserSub, tombstone.AuthTime.Add(-time.Second))
	if err != nil {
		slog.Error("failed to revoke tokens after code replay", "error", err, "client_id", tombstone.ClientID)
		return
	}
	slog.Warn("authorization code replay detected",
		"client_id", tombstone.ClientID, "revoked_refresh_tokens", revoked)
	s.record(events.TokenRevoked, events.Fields{
		UserID:   tombstone.UserSub,
		ClientID: tombstone.ClientID,
		Reason:   "authorization code replay",
	})
}

func (s *Service) denyExchange(clientID, reason string) error {
	s.record(events.AuthFailure, events.Fields{
		ClientID:  clientID,
		GrantType: oauthtypes.GrantAuthorizationCode,
		Reason:    reason,
	})
	return oauthtypes.NewError(oauthtypes.ErrorInvalidGrant, reason)
}

// verifyPKCE checks the code_verifier against the challenge stored with the
// code. Public clients must always have a challenge; confidential clients
// are checked only when the authorization request carried one.
func verifyPKCE(code *storage.AuthorizationCode, verifier string, publicClient bool) error {
	if code.CodeChallenge == "" {
		if publicClient {
			return fmt.Errorf("public client code has no PKCE challenge")
		}
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}

	switch code.CodeChallengeMethod {
	case oauthtypes.PKCEMethodPlain:
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(code.CodeChallenge)) != 1 {
			return fmt.Errorf("code_verifier does not match code_challenge")
		}
	case oauthtypes.PKCEMethodS256, "":
		sum := sha256.Sum256([]byte(verifier))
		if subtle.ConstantTimeCompare([]byte(jose.Encode(sum[:])), []byte(code.CodeChallenge)) != 1 {
			return fmt.Errorf("code_verifier does not match code_challenge")
		}
	default:
		return fmt.Errorf("unsupported code_challenge_method %q", code.CodeChallengeMethod)
	}
	return nil
}
