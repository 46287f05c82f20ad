// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session issues and verifies the IdP's own login sessions: a
// short-lived HS256 JWT carried in an HttpOnly cookie, plus the request
// classification helpers (secure, localhost) and the return_to guard the
// login flow depends on.
package session

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stacklok/signet/pkg/jose"
)

// CookieName is the session cookie issued after login.
const CookieName = "signet_session"

// DefaultTTL is the session lifetime.
const DefaultTTL = 900 * time.Second

// ErrNoSession is returned when the request carries no session cookie.
var ErrNoSession = errors.New("no session")

// Session is a verified login session.
type Session struct {
	// Subject is the authenticated account id.
	Subject string

	// IssuedAt is when the user authenticated. Authorization codes minted
	// under this session carry it as auth_time.
	IssuedAt time.Time

	// ExpiresAt is when the session lapses.
	ExpiresAt time.Time
}

// Service signs and verifies session tokens.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService builds a session service over the shared HS256 secret.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	s := &Service{
		secret: secret,
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured session lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue signs a session token for the subject.
func (s *Service) Issue(subject string) (string, error) {
	if subject == "" {
		return "", errors.New("session subject is required")
	}
	now := s.now()
	payload, err := jose.BuildPayload(map[string]any{"sub": subject}, s.ttl, now)
	if err != nil {
		return "", err
	}
	return jose.Sign(payload, s.secret, jose.HS256, "")
}

// Verify validates a session token and returns the session.
func (s *Service) Verify(token string) (*Session, error) {
	_, claims, err := jose.VerifyAt(token, s.secret, jose.HS256, s.now())
	if err != nil {
		return nil, err
	}

	sub, ok := jose.StringClaim(claims, "sub")
	if !ok || sub == "" {
		return nil, errors.New("session token missing sub claim")
	}
	iat, ok := jose.NumberClaim(claims, "iat")
	if !ok {
		return nil, errors.New("session token missing iat claim")
	}
	exp, _ := jose.NumberClaim(claims, "exp")

	return &Session{
		Subject:   sub,
		IssuedAt:  time.Unix(iat, 0),
		ExpiresAt: time.Unix(exp, 0),
	}, nil
}

// FromRequest extracts and verifies the session cookie. ErrNoSession when the
// cookie is absent.
func (s *Service) FromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	return s.Verify(cookie.Value)
}

// Cookie wraps a session token in the cookie the browser stores. Secure is
// set only when the request arrived over HTTPS, so local development over
// plain HTTP keeps working.
func (s *Service) Cookie(token string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

// ClearCookie expires the session cookie.
func ClearCookie(secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	}
}

// IsSecure reports whether the request arrived over HTTPS, either directly or
// through a TLS-terminating proxy that set X-Forwarded-Proto.
func IsSecure(r *http.Request) bool {
	if r.TLS != nil || r.URL.Scheme == "https" {
		return true
	}
	return r.Header.Get("X-Forwarded-Proto") == "https"
}

// IsLocalhost reports whether the request targets a loopback host.
func IsLocalhost(r *http.Request) bool {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

// SanitizeReturnTo bounds post-login redirects to this origin: after
// replacing backslashes with forward slashes, the value must start with "/"
// but not "//". Anything else falls back to "/". This is the complete
// open-redirect guard on the login flow.
func SanitizeReturnTo(returnTo string) string {
	cleaned := strings.ReplaceAll(returnTo, `\`, "/")
	if strings.HasPrefix(cleaned, "/") && !strings.HasPrefix(cleaned, "//") {
		return cleaned
	}
	return "/"
}

// RequireHTTPS rejects plain-HTTP requests from non-loopback hosts when the
// server runs in production mode. The body follows RFC 6749 §5.2.
func RequireHTTPS(production bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if production && !IsSecure(r) && !IsLocalhost(r) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Cache-Control", "no-store")
				w.Header().Set("Pragma", "no-cache")
				w.WriteHeader(http.StatusForbidden)
				fmt.Fprint(w, `{"error":"invalid_request","error_description":"HTTPS is required"}`)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
