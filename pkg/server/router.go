// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/signet/pkg/session"
)

// Router builds the public endpoint surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(session.RequireHTTPS(s.cfg.Production))

	r.Get("/.well-known/openid-configuration", s.handleDiscovery)
	r.Get("/.well-known/jwks.json", s.handleJWKS)

	r.Get("/authorize", s.handleAuthorize)
	r.Post("/token", s.handleToken)
	r.Post("/revoke", s.handleRevoke)
	r.Post("/introspect", s.handleIntrospect)
	r.Get("/userinfo", s.handleUserInfo)
	r.Post("/userinfo", s.handleUserInfo)
	r.Get("/end_session", s.handleEndSession)

	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLoginSubmit)
	r.Post("/login/link", s.handleLoginLinkRequest)
	r.Get("/login/link/{token}", s.handleLoginLinkVerify)

	r.Get("/auth/{provider}", s.handleFederationStart)
	r.Get("/auth/{provider}/callback", s.handleFederationCallback)

	r.Route("/clients", func(r chi.Router) {
		r.Post("/", s.handleClientRegister)
		r.Get("/", s.handleClientList)
		r.Get("/{id}", s.handleClientGet)
		r.Put("/{id}", s.handleClientUpdate)
		r.Delete("/{id}", s.handleClientDelete)
	})

	r.Get("/health", s.handleHealth)
	return r
}

// AdminRouter builds the operational surface for the admin listener.
func (s *Server) AdminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
