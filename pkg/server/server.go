// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of the identity provider: the OAuth and
// OIDC endpoints, the login pages, federation redirects, and the client
// administration API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/signet/pkg/clients"
	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/federation"
	"github.com/stacklok/signet/pkg/keys"
	"github.com/stacklok/signet/pkg/session"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/telemetry"
	"github.com/stacklok/signet/pkg/tokens"
	"github.com/stacklok/signet/pkg/userstore"
)

// Server timeouts.
const (
	// ReadHeaderTimeout bounds slowloris-style header trickle.
	ReadHeaderTimeout = 10 * time.Second

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Config is the HTTP server configuration.
type Config struct {
	// Issuer is the external base URL, e.g. https://id.example.com. It is
	// the iss claim of every token and the base of every advertised endpoint.
	Issuer string

	// ListenAddr is the main listener address, e.g. ":8080".
	ListenAddr string

	// AdminAddr, when set, serves /metrics and /health on a second listener
	// so the operational surface never faces the public one.
	AdminAddr string

	// Production enforces the HTTPS gate for non-localhost requests.
	Production bool
}

// Deps are the services the server routes into.
type Deps struct {
	Log        *slog.Logger
	Store      storage.Repositories
	Clients    *clients.Registry
	Tokens     *tokens.Service
	Keys       *keys.Manager
	Sessions   *session.Service
	Users      userstore.UserStore
	Federation *federation.Manager
	Recorder   *events.Recorder
	Metrics    *telemetry.Metrics

	// LinkSender delivers magic-link emails. Nil falls back to logging the
	// link, which is what dev setups want.
	LinkSender LinkSender
}

// Server handles the identity provider's HTTP endpoints.
type Server struct {
	cfg      Config
	log      *slog.Logger
	store    storage.Repositories
	clients  *clients.Registry
	tokens   *tokens.Service
	keys     *keys.Manager
	sessions *session.Service
	users    userstore.UserStore
	fed      *federation.Manager
	recorder *events.Recorder
	metrics  *telemetry.Metrics
	links    LinkSender
}

// New validates the wiring and builds the server.
func New(cfg Config, deps Deps) (*Server, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if deps.Store == nil || deps.Clients == nil || deps.Tokens == nil ||
		deps.Keys == nil || deps.Sessions == nil || deps.Users == nil {
		return nil, fmt.Errorf("store, clients, tokens, keys, sessions, and users are required")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	links := deps.LinkSender
	if links == nil {
		links = &logSender{log: log}
	}

	return &Server{
		cfg:      cfg,
		log:      log,
		store:    deps.Store,
		clients:  deps.Clients,
		tokens:   deps.Tokens,
		keys:     deps.Keys,
		sessions: deps.Sessions,
		users:    deps.Users,
		fed:      deps.Federation,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		links:    links,
	}, nil
}

// Run serves until ctx is cancelled, then drains both listeners.
func (s *Server) Run(ctx context.Context) error {
	main := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: ReadHeaderTimeout,
	}

	servers := []*http.Server{main}
	if s.cfg.AdminAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              s.cfg.AdminAddr,
			Handler:           s.AdminRouter(),
			ReadHeaderTimeout: ReadHeaderTimeout,
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		group.Go(func() error {
			s.log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(drainCtx); err != nil {
				s.log.Warn("shutdown incomplete", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})
	return group.Wait()
}
