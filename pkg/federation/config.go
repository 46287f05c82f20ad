// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package federation signs users in through external identity providers.
// Google and Microsoft are full OIDC: their ID tokens are validated against
// the provider's JWKS. Facebook and X return plain OAuth access tokens, so
// their profiles are read from the provider's user endpoint instead; X
// additionally requires PKCE on the code exchange.
package federation

import (
	"fmt"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
	ProviderFacebook  = "facebook"
	ProviderX         = "x"
)

// DefaultHTTPTimeout bounds every outbound call to a provider.
const DefaultHTTPTimeout = 10 * time.Second

// DefaultJWKSCacheTTL is used when a provider's JWKS response carries no
// Cache-Control max-age.
const DefaultJWKSCacheTTL = 600 * time.Second

// ProviderConfig describes one external provider. Empty optional fields are
// filled from the provider's well-known defaults.
type ProviderConfig struct {
	// Name is one of the provider constants.
	Name string

	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL are the provider's OAuth endpoints.
	AuthURL  string
	TokenURL string

	// Issuer and JWKSURL configure ID-token validation (OIDC providers).
	Issuer  string
	JWKSURL string

	// AltIssuers are additionally accepted iss values. Google tokens may
	// carry accounts.google.com without the scheme.
	AltIssuers []string

	// Audience overrides the expected aud claim; defaults to ClientID.
	Audience string

	// Algorithms restricts the signature algorithms accepted from this
	// provider.
	Algorithms []string

	// Scopes requested at authorization.
	Scopes []string

	// UserInfoURL is the profile endpoint for providers without ID tokens.
	UserInfoURL string

	// UsePKCE sends a code challenge on the authorization request and the
	// verifier on exchange.
	UsePKCE bool

	// Tenant is the Microsoft directory tenant, defaulting to "common".
	Tenant string
}

// displayName returns the provider's human name for error messages.
func displayName(provider string) string {
	switch provider {
	case ProviderGoogle:
		return "Google"
	case ProviderMicrosoft:
		return "Microsoft"
	case ProviderFacebook:
		return "Facebook"
	case ProviderX:
		return "X"
	default:
		return strings.ToUpper(provider[:1]) + provider[1:]
	}
}

// applyDefaults fills the provider's well-known endpoints.
func (c *ProviderConfig) applyDefaults() error {
	switch c.Name {
	case ProviderGoogle:
		setDefault(&c.AuthURL, "https://accounts.google.com/o/oauth2/v2/auth")
		setDefault(&c.TokenURL, "https://oauth2.googleapis.com/token")
		setDefault(&c.Issuer, "https://accounts.google.com")
		setDefault(&c.JWKSURL, "https://www.googleapis.com/oauth2/v3/certs")
		if len(c.AltIssuers) == 0 {
			c.AltIssuers = []string{"accounts.google.com"}
		}
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "profile", "email"}
		}
	case ProviderMicrosoft:
		tenant := c.Tenant
		if tenant == "" {
			tenant = "common"
		}
		base := "https://login.microsoftonline.com/" + tenant
		setDefault(&c.AuthURL, base+"/oauth2/v2.0/authorize")
		setDefault(&c.TokenURL, base+"/oauth2/v2.0/token")
		setDefault(&c.Issuer, base+"/v2.0")
		setDefault(&c.JWKSURL, base+"/discovery/v2.0/keys")
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"openid", "profile", "email"}
		}
	case ProviderFacebook:
		setDefault(&c.AuthURL, "https://www.facebook.com/v19.0/dialog/oauth")
		setDefault(&c.TokenURL, "https://graph.facebook.com/v19.0/oauth/access_token")
		setDefault(&c.UserInfoURL, "https://graph.facebook.com/v19.0/me?fields=id,name,email,picture")
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"email", "public_profile"}
		}
	case ProviderX:
		setDefault(&c.AuthURL, "https://x.com/i/oauth2/authorize")
		setDefault(&c.TokenURL, "https://api.x.com/2/oauth2/token")
		setDefault(&c.UserInfoURL, "https://api.x.com/2/users/me?user.fields=profile_image_url")
		if len(c.Scopes) == 0 {
			c.Scopes = []string{"users.read", "tweet.read"}
		}
		c.UsePKCE = true
	default:
		return fmt.Errorf("unknown federation provider %q", c.Name)
	}

	if len(c.Algorithms) == 0 {
		c.Algorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}
	}
	if c.Audience == "" {
		c.Audience = c.ClientID
	}
	return nil
}

// Validate checks the configuration after defaults.
func (c *ProviderConfig) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("provider %s: client id and secret are required", c.Name)
	}
	return nil
}

// usesIDToken reports whether the provider issues OIDC ID tokens.
func (c *ProviderConfig) usesIDToken() bool {
	return c.JWKSURL != "" && c.Issuer != ""
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}
