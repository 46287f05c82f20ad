// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"errors"
	"fmt"

	josev3 "github.com/go-jose/go-jose/v3"
	"github.com/ory/fosite"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/signet/pkg/jose"
)

// fosite's fetcher returns go-jose/v3 key sets.
type jsonWebKeySet = josev3.JSONWebKeySet

// Validation failures. The issuer and audience strings are part of the
// callback contract; do not reword them.
var (
	// ErrInvalidIssuer is returned when the iss claim is not one of the
	// provider's accepted issuers.
	ErrInvalidIssuer = errors.New("Invalid token issuer")

	// ErrInvalidAudience is returned when the aud claim does not contain
	// our client id.
	ErrInvalidAudience = errors.New("Invalid token audience")
)

// UserInfo is the normalized identity extracted from a provider.
type UserInfo struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// idTokenValidator verifies external providers' ID tokens: signature against
// the provider's JWKS (fetched by kid, cached per the JWKS response's
// Cache-Control), then issuer, audience, and time claims.
type idTokenValidator struct {
	provider    string
	issuer      string
	altIssuers  []string
	audience    string
	jwksURL     string
	algorithms  []string
	jwksFetcher fosite.JWKSFetcherStrategy

	// fetches coalesces concurrent JWKS refreshes per URL.
	fetches singleflight.Group
}

func newIDTokenValidator(cfg *ProviderConfig) *idTokenValidator {
	return &idTokenValidator{
		provider:    cfg.Name,
		issuer:      cfg.Issuer,
		altIssuers:  cfg.AltIssuers,
		audience:    cfg.Audience,
		jwksURL:     cfg.JWKSURL,
		algorithms:  cfg.Algorithms,
		jwksFetcher: fosite.NewDefaultJWKSFetcherStrategy(),
	}
}

// Validate verifies the raw compact ID token and returns its claims.
func (v *idTokenValidator) Validate(ctx context.Context, rawToken string) (map[string]any, error) {
	header, err := jose.DecodeHeader(rawToken)
	if err != nil {
		return nil, err
	}
	if header.KeyID == "" {
		return nil, fmt.Errorf("%s ID token missing kid in header", displayName(v.provider))
	}

	alg := jose.Algorithm(header.Algorithm)
	if !v.algorithmAllowed(header.Algorithm) || !alg.Valid() {
		return nil, fmt.Errorf("%s ID token uses unsupported algorithm %q",
			displayName(v.provider), header.Algorithm)
	}

	key, err := v.verificationKey(ctx, header.KeyID)
	if err != nil {
		return nil, err
	}

	_, claims, err := jose.Verify(rawToken, key, alg)
	if err != nil {
		return nil, err
	}

	iss, _ := jose.StringClaim(claims, "iss")
	if !v.issuerAllowed(iss) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidIssuer, iss)
	}
	if !audienceContains(claims["aud"], v.audience) {
		return nil, ErrInvalidAudience
	}
	return claims, nil
}

// verificationKey resolves the provider's public key by kid. A miss forces
// one refresh to pick up rotation; concurrent refreshes of the same URL are
// coalesced.
func (v *idTokenValidator) verificationKey(ctx context.Context, kid string) (any, error) {
	jwks, err := v.resolve(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s JWKS: %w", displayName(v.provider), err)
	}

	keys := jwks.Key(kid)
	if len(keys) == 0 {
		jwks, err = v.resolve(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh %s JWKS: %w", displayName(v.provider), err)
		}
		keys = jwks.Key(kid)
		if len(keys) == 0 {
			return nil, fmt.Errorf("%s ID token signed with unknown kid %q", displayName(v.provider), kid)
		}
	}
	return keys[0].Key, nil
}

func (v *idTokenValidator) resolve(ctx context.Context, force bool) (*jsonWebKeySet, error) {
	key := v.jwksURL
	if force {
		key = "force:" + v.jwksURL
	}
	result, err, _ := v.fetches.Do(key, func() (any, error) {
		return v.jwksFetcher.Resolve(ctx, v.jwksURL, force)
	})
	if err != nil {
		return nil, err
	}
	return result.(*jsonWebKeySet), nil
}

func (v *idTokenValidator) issuerAllowed(iss string) bool {
	if iss == v.issuer {
		return true
	}
	for _, alt := range v.altIssuers {
		if iss == alt {
			return true
		}
	}
	return false
}

func (v *idTokenValidator) algorithmAllowed(alg string) bool {
	for _, a := range v.algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// audienceContains matches aud as either a string or an array of strings.
func audienceContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}
