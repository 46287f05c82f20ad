// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"errors"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/storage"
)

// Revoke implements RFC 7009 semantics for an authenticated client: a
// matching refresh token is revoked; anything else (an unknown value, a
// token belonging to another client, or a JWT access token, which cannot be
// individually revoked) is silently accepted. The caller always answers
// 200 regardless (RFC 7009 §2.2).
func (s *Service) Revoke(ctx context.Context, token, clientID string) error {
	record, err := s.store.GetRefreshToken(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil
		}
		return err
	}
	if record.ClientID != clientID {
		return nil
	}

	revoked, err := s.store.RevokeRefreshToken(ctx, record.TokenHash)
	if err != nil {
		return err
	}
	if revoked {
		s.record(events.TokenRevoked, events.Fields{
			UserID:   record.UserSub,
			ClientID: clientID,
			Reason:   "client revocation request",
		})
	}
	return nil
}

// Introspection is the RFC 7662 response body. Inactive tokens carry only
// active=false.
type Introspection struct {
	Active    bool   `json:"active"`
	Sub       string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Aud       string `json:"aud,omitempty"`
	Iss       string `json:"iss,omitempty"`
}

// Introspect reports the state of an access or refresh token. Access tokens
// are self-signed JWTs and are verified against the local key registry; no
// outbound fetch is involved. Any validation failure yields active=false,
// never an error the caller could use as an oracle.
func (s *Service) Introspect(ctx context.Context, token string) *Introspection {
	if claims, err := s.VerifyAccessToken(token); err == nil {
		out := &Introspection{Active: true, TokenType: "Bearer", Iss: s.cfg.Issuer}
		out.Sub, _ = jose.StringClaim(claims, "sub")
		out.ClientID, _ = jose.StringClaim(claims, "client_id")
		out.Scope, _ = jose.StringClaim(claims, "scope")
		out.Aud, _ = jose.StringClaim(claims, "aud")
		out.Exp, _ = jose.NumberClaim(claims, "exp")
		out.Iat, _ = jose.NumberClaim(claims, "iat")
		return out
	}

	record, err := s.store.GetRefreshToken(ctx, HashToken(token))
	if err != nil || record.Revoked || s.now().After(record.ExpiresAt) {
		return &Introspection{Active: false}
	}
	return &Introspection{
		Active:    true,
		Sub:       record.UserSub,
		ClientID:  record.ClientID,
		Scope:     joinScopes(record.Scopes),
		TokenType: "refresh_token",
		Exp:       record.ExpiresAt.Unix(),
		Iat:       record.IssuedAt.Unix(),
	}
}
