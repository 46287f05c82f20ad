// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence port the identity provider is
// written against, plus the in-memory reference implementation.
//
// The port is deliberately narrow: inserts have IF NOT EXISTS semantics,
// deletes have IF EXISTS semantics, and both report whether they applied.
// Single-use rows (authorization codes, federation state) are consumed with
// an atomic get-and-delete; refresh rotation is a single compare-and-set.
// Backends must make those operations linearizable per key; a failed apply
// is an answer, never a retry.
package storage

import (
	"context"
	"time"
)

// Default row lifetimes.
const (
	// DefaultAuthorizationCodeTTL bounds the window between the authorize
	// redirect and the code exchange.
	DefaultAuthorizationCodeTTL = 60 * time.Second

	// DefaultOAuthStateTTL bounds an in-flight federation round trip.
	DefaultOAuthStateTTL = 600 * time.Second

	// DefaultRefreshTokenTTL is 30 days.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Client is a registered relying party.
type Client struct {
	ID                      string
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod string

	// SecretHash is the hex SHA-256 of the client secret. Empty exactly when
	// TokenEndpointAuthMethod is "none".
	SecretHash string

	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Public reports whether the client authenticates with no secret.
func (c *Client) Public() bool {
	return c.TokenEndpointAuthMethod == "none"
}

// HasGrantType reports whether the client is registered for the grant.
func (c *Client) HasGrantType(grant string) bool {
	for _, g := range c.GrantTypes {
		if g == grant {
			return true
		}
	}
	return false
}

// HasResponseType reports whether the client is registered for the response type.
func (c *Client) HasResponseType(rt string) bool {
	for _, r := range c.ResponseTypes {
		if r == rt {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// HasScope reports whether the client may request scope.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthorizationCode is a single-use credential minted by the authorization
// endpoint and consumed by the token endpoint.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	UserSub             string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            time.Time
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// RefreshToken is the stored record of an opaque refresh token. Only the
// SHA-256 of the token value persists.
type RefreshToken struct {
	TokenHash string
	ClientID  string
	UserSub   string
	Scopes    []string
	AuthTime  time.Time
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// OAuthState is one in-flight federation round trip, keyed by the random
// state parameter. Single-use.
type OAuthState struct {
	State        string
	Provider     string
	ReturnTo     string
	CodeVerifier string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// SigningKey is the persisted form of a registry key. RS and ES keys carry
// PKCS#8 private material; HS keys carry the raw secret. Exactly one of the
// two is set.
type SigningKey struct {
	KeyID        string
	Algorithm    string
	PrivatePKCS8 []byte
	Secret       []byte
	CreatedAt    time.Time
	RetiredAt    *time.Time
}

// ProviderAccount links an external identity to a local account.
type ProviderAccount struct {
	Provider        string
	ProviderSubject string
	AccountID       string
	ContactID       string
	LinkedAt        time.Time
}

// Account is a local principal.
type Account struct {
	ID           string
	Name         string
	GivenName    string
	FamilyName   string
	Picture      string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Contact method types.
const (
	ContactTypeEmail = "email"
	ContactTypePhone = "phone"
)

// ContactMethod is a reachable address owned by an account.
type ContactMethod struct {
	ID         string
	AccountID  string
	Type       string
	Value      string
	VerifiedAt *time.Time
	CreatedAt  time.Time
}

// ClientStore persists registered clients.
type ClientStore interface {
	// InsertClient stores a new client. Returns false when the id is taken.
	InsertClient(ctx context.Context, client *Client) (bool, error)

	// GetClient returns the client or ErrNotFound. Inactive clients are
	// returned; callers that need active-only filtering do it themselves.
	GetClient(ctx context.Context, id string) (*Client, error)

	// UpdateClient replaces the stored client. ErrNotFound when absent.
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClientIfExists removes the client, reporting whether it existed.
	DeleteClientIfExists(ctx context.Context, id string) (bool, error)

	// ListClients returns all clients, active and inactive.
	ListClients(ctx context.Context) ([]*Client, error)
}

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore interface {
	// InsertAuthorizationCode stores a new code. Returns false on collision.
	InsertAuthorizationCode(ctx context.Context, code *AuthorizationCode) (bool, error)

	// ConsumeAuthorizationCode atomically removes and returns the code.
	// The boolean is false when the code is absent, already consumed, or
	// expired; under concurrent consumption of the same code exactly one
	// caller sees true.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, bool, error)
}

// RefreshTokenStore persists refresh token records keyed by token hash.
type RefreshTokenStore interface {
	// InsertRefreshToken stores a new record. Returns false on collision.
	InsertRefreshToken(ctx context.Context, token *RefreshToken) (bool, error)

	// GetRefreshToken returns the record or ErrNotFound. Expired records
	// are reported as ErrExpired.
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken atomically marks the old record revoked and inserts
	// the replacement. Returns false without side effects when the old
	// record is absent, revoked, or expired; exactly one concurrent rotation
	// of the same record succeeds.
	RotateRefreshToken(ctx context.Context, oldHash string, next *RefreshToken) (bool, error)

	// RevokeRefreshToken marks the record revoked, reporting whether a live
	// record was revoked.
	RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error)

	// RevokeRefreshTokensIssuedAfter revokes every live record for the
	// (clientID, userSub) pair issued at or after the given instant and
	// returns how many were revoked.
	RevokeRefreshTokensIssuedAfter(ctx context.Context, clientID, userSub string, issuedAt time.Time) (int, error)
}

// OAuthStateStore persists single-use federation state rows.
type OAuthStateStore interface {
	// InsertOAuthState stores a new state row. Returns false on collision.
	InsertOAuthState(ctx context.Context, state *OAuthState) (bool, error)

	// ConsumeOAuthState atomically removes and returns the row. The boolean
	// is false when the state is absent, already consumed, or expired.
	ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, bool, error)
}

// SigningKeyStore persists registry signing keys.
type SigningKeyStore interface {
	// InsertSigningKey stores a new key. Returns false when the kid is taken.
	InsertSigningKey(ctx context.Context, key *SigningKey) (bool, error)

	// ListSigningKeys returns every key, retired included.
	ListSigningKeys(ctx context.Context) ([]*SigningKey, error)

	// RetireSigningKey stamps the key retired, reporting whether a
	// non-retired key was found.
	RetireSigningKey(ctx context.Context, keyID string, at time.Time) (bool, error)
}

// IdentityStore persists accounts, contact methods, and provider links.
type IdentityStore interface {
	InsertAccount(ctx context.Context, account *Account) (bool, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	UpdateAccount(ctx context.Context, account *Account) error

	InsertContactMethod(ctx context.Context, contact *ContactMethod) (bool, error)
	GetContactMethod(ctx context.Context, id string) (*ContactMethod, error)

	// FindContactByValue looks a contact up by (type, value), e.g. an email
	// address. ErrNotFound when absent.
	FindContactByValue(ctx context.Context, contactType, value string) (*ContactMethod, error)

	// ListContactsByAccount returns the account's contact methods.
	ListContactsByAccount(ctx context.Context, accountID string) ([]*ContactMethod, error)

	InsertProviderAccount(ctx context.Context, link *ProviderAccount) (bool, error)
	GetProviderAccount(ctx context.Context, provider, providerSubject string) (*ProviderAccount, error)
}

// Repositories is the full persistence port the server composes at startup.
type Repositories interface {
	ClientStore
	AuthorizationCodeStore
	RefreshTokenStore
	OAuthStateStore
	SigningKeyStore
	IdentityStore

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases the backend.
	Close() error
}
