// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signet/pkg/jose"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	s, err := NewService(testSecret, opts...)
	require.NoError(t, err)
	return s
}

func TestNewServiceRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewService(nil)
	require.Error(t, err)
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	now := time.Now().Truncate(time.Second)
	s := newTestService(t, WithClock(func() time.Time { return now }))

	token, err := s.Issue("user-123")
	require.NoError(t, err)

	sess, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", sess.Subject)
	assert.Equal(t, now.Unix(), sess.IssuedAt.Unix())
	assert.Equal(t, now.Add(DefaultTTL).Unix(), sess.ExpiresAt.Unix())
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	clock := time.Now()
	s := newTestService(t, WithClock(func() time.Time { return clock }))

	token, err := s.Issue("user-123")
	require.NoError(t, err)

	clock = clock.Add(DefaultTTL + time.Second)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, jose.ErrExpired)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	other, err := NewService([]byte("another-secret-another-secret-xx"))
	require.NoError(t, err)

	token, err := other.Issue("user-123")
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, jose.ErrInvalidSignature)
}

func TestFromRequest(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	token, err := s.Issue("user-123")
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: token})

	sess, err := s.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "user-123", sess.Subject)

	bare := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	_, err = s.FromRequest(bare)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCookieAttributes(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	c := s.Cookie("tok", true)
	assert.Equal(t, CookieName, c.Name)
	assert.Equal(t, "/", c.Path)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, int(DefaultTTL.Seconds()), c.MaxAge)

	plain := s.Cookie("tok", false)
	assert.False(t, plain.Secure)

	cleared := ClearCookie(false)
	assert.Equal(t, -1, cleared.MaxAge)
	assert.Empty(t, cleared.Value)
}

func TestIsSecure(t *testing.T) {
	t.Parallel()

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.TLS = &tls.ConnectionState{}
	assert.True(t, IsSecure(direct))

	forwarded := httptest.NewRequest(http.MethodGet, "/", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "https")
	assert.True(t, IsSecure(forwarded))

	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, IsSecure(plain))

	spoofed := httptest.NewRequest(http.MethodGet, "/", nil)
	spoofed.Header.Set("X-Forwarded-Proto", "http")
	assert.False(t, IsSecure(spoofed))
}

func TestIsLocalhost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"localhost:8080", true},
		{"127.0.0.1", true},
		{"127.0.0.1:3000", true},
		{"[::1]:8080", true},
		{"id.example.com", false},
		{"127.0.0.1.evil.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tt.host
			assert.Equal(t, tt.want, IsLocalhost(r))
		})
	}
}

func TestSanitizeReturnTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"relative path", "/dashboard", "/dashboard"},
		{"root", "/", "/"},
		{"path with query", "/authorize?client_id=x", "/authorize?client_id=x"},
		{"absolute url", "https://evil.com/phishing", "/"},
		{"protocol relative", "//evil.com", "/"},
		{"backslash smuggling", `/\evil.com`, "/"},
		{"backslash prefix", `\/evil.com`, "/"},
		{"empty", "", "/"},
		{"no leading slash", "dashboard", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, SanitizeReturnTo(tt.input))
		})
	}
}

func TestRequireHTTPS(t *testing.T) {
	t.Parallel()

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("production rejects plain http", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/token", nil)
		r.Host = "id.example.com"
		RequireHTTPS(true)(next).ServeHTTP(rec, r)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.JSONEq(t,
			`{"error":"invalid_request","error_description":"HTTPS is required"}`,
			rec.Body.String())
	})

	t.Run("production allows localhost", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/token", nil)
		r.Host = "localhost:8080"
		RequireHTTPS(true)(next).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("production allows forwarded https", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/token", nil)
		r.Host = "id.example.com"
		r.Header.Set("X-Forwarded-Proto", "https")
		RequireHTTPS(true)(next).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("development allows everything", func(t *testing.T) {
		t.Parallel()

		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/token", nil)
		r.Host = "id.example.com"
		RequireHTTPS(false)(next).ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
