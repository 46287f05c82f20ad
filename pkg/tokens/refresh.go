// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
)

// Refresh rotates a refresh token: the presented token is atomically revoked
// and replaced, and the new token set is issued. Presenting an
// already-revoked token is treated as replay and revokes the whole live
// chain for the (client, user) pair. requestedScopes, when non-empty, must be
// a subset of the original grant.
func (s *Service) Refresh(
	ctx context.Context,
	client *storage.Client,
	presented string,
	requestedScopes []string,
) (*Issued, error) {
	if !client.HasGrantType(oauthtypes.GrantRefreshToken) {
		return nil, oauthtypes.NewError(oauthtypes.ErrorUnauthorizedClient,
			"client is not registered for the refresh_token grant")
	}

	oldHash := HashToken(presented)
	record, err := s.store.GetRefreshToken(ctx, oldHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, s.denyRefresh(client.ID, "unknown or expired refresh token")
		}
		return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
	}

	if record.ClientID != client.ID {
		return nil, s.denyRefresh(client.ID, "refresh token was issued to another client")
	}
	if record.Revoked {
		s.revokeChain(ctx, record, "refresh token replay")
		return nil, s.denyRefresh(client.ID, "refresh token has been revoked")
	}

	scopes := record.Scopes
	if len(requestedScopes) > 0 {
		for _, scope := range requestedScopes {
			if !hasScope(record.Scopes, scope) {
				return nil, oauthtypes.NewError(oauthtypes.ErrorInvalidScope,
					fmt.Sprintf("scope %q exceeds the original grant", scope))
			}
		}
		scopes = requestedScopes
	}

	now := s.now()
	newToken, err := randomToken(RefreshTokenSize)
	if err != nil {
		return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
	}
	next := &storage.RefreshToken{
		TokenHash: HashToken(newToken),
		ClientID:  record.ClientID,
		UserSub:   record.UserSub,
		Scopes:    record.Scopes,
		AuthTime:  record.AuthTime,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}

	applied, err := s.store.RotateRefreshToken(ctx, oldHash, next)
	if err != nil {
		return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
	}
	if !applied {
		// Lost the race to a concurrent rotation of the same token: that is
		// a replay by definition. Never retried.
		s.revokeChain(ctx, record, "concurrent refresh token use")
		return nil, s.denyRefresh(client.ID, "refresh token has been revoked")
	}

	accessToken, err := s.signAccessToken(client.ID, record.UserSub, client.ID, scopes, record.AuthTime, now)
	if err != nil {
		return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
	}
	issued := &Issued{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        joinScopes(scopes),
		RefreshToken: newToken,
	}
	if hasScope(scopes, oauthtypes.ScopeOpenID) {
		idToken, err := s.signIDToken(ctx, client.ID, record.UserSub, scopes, "", record.AuthTime, accessToken, now)
		if err != nil {
			return nil, oauthtypes.WrapError(oauthtypes.ErrorServerError, "", err)
		}
		issued.IDToken = idToken
	}

	s.record(events.TokenIssued, events.Fields{
		UserID:    record.UserSub,
		ClientID:  client.ID,
		GrantType: oauthtypes.GrantRefreshToken,
	})
	return issued, nil
}

// revokeChain invalidates every live refresh token for the record's
// (client, user) pair issued at or after the presented record. Access tokens
// already in the wild run out on their own exp.
func (s *Service) revokeChain(ctx context.Context, record *storage.RefreshToken, reason string) {
	revoked, err := s.store.RevokeRefreshTokensIssuedAfter(
		ctx, record.ClientID, record.UserSub, record.IssuedAt.Add(-time.Second))
	if err != nil {
		slog.Error("failed to revoke refresh token chain",
			"error", err, "client_id", record.ClientID)
		return
	}
	slog.Warn("revoked refresh token chain",
		"client_id", record.ClientID, "revoked", revoked, "reason", reason)
	s.record(events.TokenRevoked, events.Fields{
		UserID:   record.UserSub,
		ClientID: record.ClientID,
		Reason:   reason,
	})
}

func (s *Service) denyRefresh(clientID, reason string) error {
	s.record(events.AuthFailure, events.Fields{
		ClientID:  clientID,
		GrantType: oauthtypes.GrantRefreshToken,
		Reason:    reason,
	})
	return oauthtypes.NewError(oauthtypes.ErrorInvalidGrant, reason)
}
