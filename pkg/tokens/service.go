// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens is the issuance core of the identity provider: access, ID,
// and refresh tokens, the one-time authorization code lifecycle, refresh
// rotation with replay revocation, and the RFC 7009/7662 revocation and
// introspection semantics.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/keys"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/userstore"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 900 * time.Second
	DefaultIDTokenTTL      = 900 * time.Second
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultCodeReuseWindow is how long a consumed authorization code is
	// remembered so replaying it can be told apart from presenting garbage
	// and punished with chain revocation.
	DefaultCodeReuseWindow = time.Hour
)

// RefreshTokenSize is the byte length of opaque refresh tokens.
const RefreshTokenSize = 32

// CodeSize is the byte length of authorization codes.
const CodeSize = 32

// Config carries the issuer identity and token lifetimes.
type Config struct {
	// Issuer is the iss claim on every token this server signs.
	Issuer string

	// DefaultAudience is the aud claim on access tokens when the client id
	// should not be used, e.g. client-credentials machine tokens.
	DefaultAudience string

	// SigningAlgorithm selects the key family for access and ID tokens.
	SigningAlgorithm jose.Algorithm

	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration
}

func (c *Config) applyDefaults() {
	if c.SigningAlgorithm == "" {
		c.SigningAlgorithm = jose.DefaultAlgorithm
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = DefaultIDTokenTTL
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = storage.DefaultAuthorizationCodeTTL
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	return nil
}

// Store is the slice of the repository port the token service owns.
type Store interface {
	storage.AuthorizationCodeStore
	storage.RefreshTokenStore
}

// Service issues and verifies this server's tokens.
type Service struct {
	cfg      Config
	keys     *keys.Manager
	store    Store
	users    userstore.UserStore
	recorder *events.Recorder
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithRecorder attaches a security event recorder.
func WithRecorder(r *events.Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// NewService builds the token service.
func NewService(cfg Config, keyManager *keys.Manager, store Store, users userstore.UserStore, opts ...Option) (*Service, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:   cfg,
		keys:  keyManager,
		store: store,
		users: users,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issuer returns the configured issuer identifier.
func (s *Service) Issuer() string {
	return s.cfg.Issuer
}

// HashToken returns the hex SHA-256 of an opaque token, the only form that
// is ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// randomToken returns size bytes of entropy as unpadded base64url.
func randomToken(size int) (string, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return jose.Encode(raw), nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func (s *Service) record(event string, f events.Fields) {
	s.recorder.Record(event, f)
}
