// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package clients manages the registered relying parties: registration with
// one-time secret issuance, lookup, partial update, deactivation, and the
// redirect-URI and scope checks the protocol endpoints rely on.
package clients

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
)

// SecretSize is the byte length of generated client secrets.
const SecretSize = 32

// Registry errors.
var (
	// ErrNotFound covers both nonexistent and deactivated clients; the two
	// are indistinguishable to callers.
	ErrNotFound = errors.New("client not found")

	// ErrInvalidSecret is returned when client authentication fails.
	ErrInvalidSecret = errors.New("invalid client secret")
)

// ValidationError reports invalid registration input.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid client %s: %s", e.Field, e.Reason)
}

// RegisterInput is the input to Register. Zero-value slices for GrantTypes,
// ResponseTypes, and Scopes take the defaults.
type RegisterInput struct {
	Name                    string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod string
}

// UpdateInput is a partial patch; nil fields keep the stored value.
type UpdateInput struct {
	Name                    *string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scopes                  []string
	TokenEndpointAuthMethod *string
}

// ClientWithSecret is the registration response. Secret is populated exactly
// here and never recoverable afterwards.
type ClientWithSecret struct {
	*storage.Client
	Secret string
}

// ScopeValidation is the result of ValidateScopes.
type ScopeValidation struct {
	Valid         bool
	InvalidScopes []string
}

// Registry is the client registry service.
type Registry struct {
	store storage.ClientStore
	now   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry builds a Registry over the client repository.
func NewRegistry(store storage.ClientStore, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates the input, assigns an id, and generates a secret unless
// the client is public.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*ClientWithSecret, error) {
	applyRegisterDefaults(&input)
	if err := validateInput(input.Name, input.RedirectURIs, input.GrantTypes,
		input.ResponseTypes, input.Scopes, input.TokenEndpointAuthMethod); err != nil {
		return nil, err
	}

	now := r.now()
	client := &storage.Client{
		ID:                      uuid.NewString(),
		Name:                    input.Name,
		RedirectURIs:            input.RedirectURIs,
		GrantTypes:              input.GrantTypes,
		ResponseTypes:           input.ResponseTypes,
		Scopes:                  input.Scopes,
		TokenEndpointAuthMethod: input.TokenEndpointAuthMethod,
		IsActive:                true,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	secret := ""
	if input.TokenEndpointAuthMethod != oauthtypes.AuthMethodNone {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return nil, err
		}
		client.SecretHash = HashSecret(secret)
	}

	applied, err := r.store.InsertClient(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}
	if !applied {
		return nil, storage.ErrAlreadyExists
	}

	return &ClientWithSecret{Client: client, Secret: secret}, nil
}

// Get returns the active client with the given id. Deactivated clients look
// exactly like missing ones.
func (r *Registry) Get(ctx context.Context, id string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !client.IsActive {
		return nil, ErrNotFound
	}
	return client, nil
}

// List returns every active client.
func (r *Registry) List(ctx context.Context) ([]*storage.Client, error) {
	all, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	active := make([]*storage.Client, 0, len(all))
	for _, c := range all {
		if c.IsActive {
			active = append(active, c)
		}
	}
	return active, nil
}

// Authenticate verifies a client id and secret pair with a constant-time hash
// comparison. Public clients never authenticate here.
func (r *Registry) Authenticate(ctx context.Context, id, secret string) (*storage.Client, error) {
	client, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if client.Public() || client.SecretHash == "" {
		return nil, ErrInvalidSecret
	}
	if subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(client.SecretHash)) != 1 {
		return nil, ErrInvalidSecret
	}
	return client, nil
}

// Update applies a partial patch under the same validation as Register.
func (r *Registry) Update(ctx context.Context, id string, patch UpdateInput) (*storage.Client, error) {
	client, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *client
	if patch.Name != nil {
		updated.Name = *patch.Name
	}
	if patch.RedirectURIs != nil {
		updated.RedirectURIs = patch.RedirectURIs
	}
	if patch.GrantTypes != nil {
		updated.GrantTypes = patch.GrantTypes
	}
	if patch.ResponseTypes != nil {
		updated.ResponseTypes = patch.ResponseTypes
	}
	if patch.Scopes != nil {
		updated.Scopes = patch.Scopes
	}
	if patch.TokenEndpointAuthMethod != nil {
		updated.TokenEndpointAuthMethod = *patch.TokenEndpointAuthMethod
	}

	if err := validateInput(updated.Name, updated.RedirectURIs, updated.GrantTypes,
		updated.ResponseTypes, updated.Scopes, updated.TokenEndpointAuthMethod); err != nil {
		return nil, err
	}
	if updated.TokenEndpointAuthMethod == oauthtypes.AuthMethodNone {
		updated.SecretHash = ""
	}
	updated.UpdatedAt = r.now()

	if err := r.store.UpdateClient(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to update client: %w", err)
	}
	return &updated, nil
}

// Deactivate turns the client off. Its id is never reused.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	client, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	client.IsActive = false
	client.UpdatedAt = r.now()
	if err := r.store.UpdateClient(ctx, client); err != nil {
		return fmt.Errorf("failed to deactivate client: %w", err)
	}
	return nil
}

// IsRedirectURIAllowed reports whether uri exactly matches one of the
// client's registered redirect URIs.
func (r *Registry) IsRedirectURIAllowed(ctx context.Context, id, uri string) (bool, error) {
	client, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return client.HasRedirectURI(uri), nil
}

// ValidateScopes checks the requested scopes against both the client's
// registration and the server-supported set.
func (r *Registry) ValidateScopes(ctx context.Context, id string, requested []string) (*ScopeValidation, error) {
	client, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &ScopeValidation{Valid: true, InvalidScopes: []string{}}
	for _, scope := range requested {
		if !client.HasScope(scope) || !contains(oauthtypes.SupportedScopes, scope) {
			result.Valid = false
			result.InvalidScopes = append(result.InvalidScopes, scope)
		}
	}
	return result, nil
}

// HashSecret returns the hex SHA-256 of a client secret, the stored form.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	raw := make([]byte, SecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	return jose.Encode(raw), nil
}

func applyRegisterDefaults(input *RegisterInput) {
	if input.TokenEndpointAuthMethod == "" {
		input.TokenEndpointAuthMethod = oauthtypes.AuthMethodClientSecretBasic
	}
	if len(input.GrantTypes) == 0 {
		input.GrantTypes = []string{oauthtypes.GrantAuthorizationCode}
	}
	if len(input.ResponseTypes) == 0 {
		input.ResponseTypes = []string{oauthtypes.ResponseTypeCode}
	}
	if len(input.Scopes) == 0 {
		input.Scopes = []string{oauthtypes.ScopeOpenID, oauthtypes.ScopeProfile, oauthtypes.ScopeEmail}
	}
}

func validateInput(name string, redirectURIs, grantTypes, responseTypes, scopes []string, authMethod string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(redirectURIs) == 0 {
		return &ValidationError{Field: "redirect_uris", Reason: "must not be empty"}
	}
	for _, raw := range redirectURIs {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return &ValidationError{Field: "redirect_uris", Reason: fmt.Sprintf("%q is not an absolute URI", raw)}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return &ValidationError{Field: "redirect_uris", Reason: fmt.Sprintf("%q scheme must be http or https", raw)}
		}
	}
	if err := validateSubset("grant_types", grantTypes, oauthtypes.SupportedGrantTypes); err != nil {
		return err
	}
	if err := validateSubset("response_types", responseTypes, oauthtypes.SupportedResponseTypes); err != nil {
		return err
	}
	if err := validateSubset("scopes", scopes, oauthtypes.SupportedScopes); err != nil {
		return err
	}
	if !contains(oauthtypes.SupportedAuthMethods, authMethod) {
		return &ValidationError{Field: "token_endpoint_auth_method", Reason: fmt.Sprintf("%q is not supported", authMethod)}
	}
	return nil
}

func validateSubset(field string, values, supported []string) error {
	if len(values) == 0 {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	for _, v := range values {
		if !contains(supported, v) {
			return &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not supported", v)}
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
