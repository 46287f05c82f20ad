// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/telemetry"
	"github.com/stacklok/signet/pkg/userstore"
)

// Manager errors.
var (
	// ErrProviderNotConfigured is returned for providers that were not given
	// credentials at startup.
	ErrProviderNotConfigured = errors.New("federation provider not configured")

	// ErrStateNotFound is returned when the callback's state parameter does
	// not match a live round trip. Replayed callbacks land here too: the
	// first consumption removed the row.
	ErrStateNotFound = errors.New("unknown or expired state")
)

// stateSize is the entropy of the state parameter in bytes.
const stateSize = 32

// Manager drives federated login: it builds provider authorization URLs,
// tracks in-flight round trips through single-use state rows, exchanges
// callback codes, validates the resulting identity, and links it to a local
// account.
type Manager struct {
	providers map[string]*provider
	states    storage.OAuthStateStore
	users     userstore.UserStore
	recorder  *events.Recorder
	metrics   *telemetry.Metrics
	issuer    string
	client    *http.Client
	now       func() time.Time
	stateTTL  time.Duration
}

type provider struct {
	cfg       *ProviderConfig
	oauth     *oauth2.Config
	validator *idTokenValidator
}

// Option configures the manager.
type Option func(*Manager)

// WithHTTPClient overrides the outbound HTTP client used for code exchange,
// JWKS fetches, and profile reads.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRecorder wires the security event recorder.
func WithRecorder(r *events.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithMetrics wires the federation counters.
func WithMetrics(mx *telemetry.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStateTTL overrides how long a round trip may stay in flight.
func WithStateTTL(d time.Duration) Option {
	return func(m *Manager) { m.stateTTL = d }
}

// NewManager builds a manager for the given providers. The issuer is this
// server's external base URL; each provider's redirect URI is derived from it
// as {issuer}/auth/{provider}/callback.
func NewManager(issuer string, configs []ProviderConfig, states storage.OAuthStateStore, users userstore.UserStore, opts ...Option) (*Manager, error) {
	m := &Manager{
		providers: make(map[string]*provider, len(configs)),
		states:    states,
		users:     users,
		issuer:    strings.TrimRight(issuer, "/"),
		client:    &http.Client{Timeout: DefaultHTTPTimeout},
		now:       time.Now,
		stateTTL:  storage.DefaultOAuthStateTTL,
	}
	for _, opt := range opts {
		opt(m)
	}

	for i := range configs {
		cfg := configs[i]
		if err := cfg.applyDefaults(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}

		p := &provider{
			cfg: &cfg,
			oauth: &oauth2.Config{
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
				Endpoint: oauth2.Endpoint{
					AuthURL:  cfg.AuthURL,
					TokenURL: cfg.TokenURL,
				},
				RedirectURL: m.issuer + "/auth/" + cfg.Name + "/callback",
				Scopes:      cfg.Scopes,
			},
		}
		if cfg.usesIDToken() {
			p.validator = newIDTokenValidator(&cfg)
		}
		m.providers[cfg.Name] = p
	}
	return m, nil
}

// Providers returns the configured provider names in stable order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Enabled reports whether the provider was configured.
func (m *Manager) Enabled(name string) bool {
	_, ok := m.providers[name]
	return ok
}

// Start begins a federated login and returns the provider authorization URL
// to redirect the browser to. The round trip is recorded as a single-use
// state row carrying the post-login destination and, for PKCE providers, the
// code verifier.
func (m *Manager) Start(ctx context.Context, providerName, returnTo string) (string, error) {
	p, ok := m.providers[providerName]
	if !ok {
		return "", ErrProviderNotConfigured
	}

	state, err := randomState()
	if err != nil {
		return "", err
	}

	var verifier string
	var authOpts []oauth2.AuthCodeOption
	if p.cfg.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		authOpts = append(authOpts, oauth2.S256ChallengeOption(verifier))
	}

	now := m.now()
	applied, err := m.states.InsertOAuthState(ctx, &storage.OAuthState{
		State:        state,
		Provider:     providerName,
		ReturnTo:     returnTo,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.stateTTL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store federation state: %w", err)
	}
	if !applied {
		return "", fmt.Errorf("federation state collision")
	}

	return p.oauth.AuthCodeURL(state, authOpts...), nil
}

// CallbackResult is a completed federated login.
type CallbackResult struct {
	User *userstore.User

	// ReturnTo is the destination captured when the login started.
	ReturnTo string
}

// HandleCallback completes a federated login. The state row is consumed
// atomically before anything else, so a replayed or concurrent callback
// fails without reaching the provider. The code is then exchanged, the
// identity validated (ID token for OIDC providers, profile fetch otherwise),
// and linked to a local account.
func (m *Manager) HandleCallback(ctx context.Context, providerName, state, code string) (*CallbackResult, error) {
	p, ok := m.providers[providerName]
	if !ok {
		return nil, ErrProviderNotConfigured
	}

	row, found, err := m.states.ConsumeOAuthState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("failed to consume federation state: %w", err)
	}
	if !found || row.Provider != providerName {
		m.fail(providerName, "state mismatch")
		return nil, ErrStateNotFound
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	var exchangeOpts []oauth2.AuthCodeOption
	if row.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(row.CodeVerifier))
	}
	token, err := p.oauth.Exchange(ctx, code, exchangeOpts...)
	if err != nil {
		m.fail(providerName, "code exchange failed")
		return nil, fmt.Errorf("%s code exchange failed: %w", displayName(providerName), err)
	}

	info, err := m.resolveIdentity(ctx, p, token)
	if err != nil {
		m.fail(providerName, "identity validation failed")
		return nil, err
	}

	user, err := m.users.LinkProviderAccount(ctx, providerName, &userstore.Profile{
		Subject:       info.Subject,
		Email:         info.Email,
		EmailVerified: info.EmailVerified,
		Name:          info.Name,
		GivenName:     info.GivenName,
		FamilyName:    info.FamilyName,
		Picture:       info.Picture,
	})
	if err != nil {
		m.fail(providerName, "account link failed")
		return nil, fmt.Errorf("failed to link %s account: %w", displayName(providerName), err)
	}

	m.metrics.FederationRequest(providerName, "success")
	m.recorder.Record(events.AuthSuccess, events.Fields{
		UserID:   user.Sub,
		Provider: providerName,
	})
	return &CallbackResult{User: user, ReturnTo: row.ReturnTo}, nil
}

// resolveIdentity extracts the external identity from the token response.
func (m *Manager) resolveIdentity(ctx context.Context, p *provider, token *oauth2.Token) (*UserInfo, error) {
	if p.validator == nil {
		return fetchProfile(ctx, m.client, p.cfg, token)
	}

	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return nil, fmt.Errorf("%s token response missing id_token", displayName(p.cfg.Name))
	}
	claims, err := p.validator.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	return userInfoFromClaims(claims), nil
}

func (m *Manager) fail(providerName, reason string) {
	m.metrics.FederationRequest(providerName, "error")
	m.recorder.Record(events.AuthFailure, events.Fields{
		Provider: providerName,
		Reason:   reason,
	})
}

func randomState() (string, error) {
	buf := make([]byte, stateSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
