// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// claimsContextKey keys validated claims in the request context.
type claimsContextKey struct{}

// Middleware validates the request's bearer token and stores its claims in
// the context for handlers downstream.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			w.Header().Set("WWW-Authenticate", v.challenge(""))
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			w.Header().Set("WWW-Authenticate", v.challenge(""))
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := v.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			w.Header().Set("WWW-Authenticate", v.challenge(err.Error()))
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// challenge builds the RFC 6750 WWW-Authenticate value.
func (v *Verifier) challenge(errDescription string) string {
	parts := []string{}
	if v.issuer != "" {
		parts = append(parts, fmt.Sprintf("realm=%q", v.issuer))
	}
	if errDescription != "" {
		parts = append(parts, `error="invalid_token"`)
		parts = append(parts, fmt.Sprintf("error_description=%q", errDescription))
	}
	if len(parts) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// ClaimsFromContext returns the validated claims the middleware stored.
func ClaimsFromContext(ctx context.Context) (jwt.MapClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(jwt.MapClaims)
	return claims, ok
}

// SubjectFromContext returns the sub claim of the validated token.
func SubjectFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// HasScope reports whether the validated token carries the scope.
func HasScope(ctx context.Context, scope string) bool {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return false
	}
	raw, ok := claims["scope"].(string)
	if !ok {
		return false
	}
	for _, s := range strings.Fields(raw) {
		if s == scope {
			return true
		}
	}
	return false
}
