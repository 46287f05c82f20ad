// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth is the resource-server side of the identity provider: HTTP
// middleware that downstream services use to validate bearer tokens this
// server minted, against its published JWKS.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Verifier errors.
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrMissingJWKSURL  = errors.New("either issuer or JWKS URL must be provided")
)

// discoveryTimeout bounds the JWKS registration on first use.
const discoveryTimeout = 5 * time.Second

// VerifierConfig configures a Verifier.
type VerifierConfig struct {
	// Issuer is the identity provider's base URL. When JWKSURL is empty it
	// is also used to discover the JWKS through the well-known endpoint.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// JWKSURL overrides discovery.
	JWKSURL string

	// HTTPClient overrides the client used for discovery and JWKS fetches.
	HTTPClient *http.Client
}

// Verifier validates bearer tokens against the issuer's JWKS. The key set is
// cached and refreshed by the jwx cache; registration happens lazily on the
// first request so construction never blocks on the network.
type Verifier struct {
	issuer   string
	audience string
	jwksURL  string
	client   *http.Client
	cache    *jwk.Cache

	registerOnce sync.Mutex
	registered   bool
	registerErr  error
}

// NewVerifier builds a verifier. The JWKS URL is taken from the config or
// discovered from the issuer's well-known endpoint.
func NewVerifier(ctx context.Context, cfg VerifierConfig) (*Verifier, error) {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		if cfg.Issuer == "" {
			return nil, ErrMissingJWKSURL
		}
		discovered, err := discoverJWKSURL(ctx, client, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		jwksURL = discovered
	}

	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Verifier{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  jwksURL,
		client:   client,
		cache:    cache,
	}, nil
}

// discoverJWKSURL reads jwks_uri from the issuer's discovery document.
func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch OIDC configuration: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("OIDC discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode OIDC configuration: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("OIDC configuration missing jwks_uri")
	}
	return doc.JWKSURI, nil
}

// ensureRegistered registers the JWKS URL with the cache on first use.
func (v *Verifier) ensureRegistered(ctx context.Context) error {
	v.registerOnce.Lock()
	defer v.registerOnce.Unlock()
	if v.registered {
		return v.registerErr
	}

	registerCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	if err := v.cache.Register(registerCtx, v.jwksURL); err != nil {
		v.registerErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.registered = true
	return v.registerErr
}

// keyForToken resolves the verification key for the token's kid.
func (v *Verifier) keyForToken(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("failed to export verification key: %w", err)
	}
	return raw, nil
}

// Verify validates the compact token and returns its claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.keyForToken(ctx, token)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *Verifier) validateClaims(claims jwt.MapClaims) error {
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(iss) != strings.TrimSpace(v.issuer) {
			return ErrInvalidIssuer
		}
	}
	if v.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil || exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}
