// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/signet/pkg/clients"
	"github.com/stacklok/signet/pkg/config"
	"github.com/stacklok/signet/pkg/events"
	"github.com/stacklok/signet/pkg/federation"
	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/keys"
	"github.com/stacklok/signet/pkg/logger"
	"github.com/stacklok/signet/pkg/server"
	"github.com/stacklok/signet/pkg/session"
	"github.com/stacklok/signet/pkg/telemetry"
	"github.com/stacklok/signet/pkg/tokens"
	"github.com/stacklok/signet/pkg/userstore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the identity provider",
		Long: `Start the identity provider. The server reads its configuration from the
file given with --config (or the default XDG location) overlaid with the
environment, connects the storage backend, ensures a signing key exists, and
listens until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}
	if cfg.Production && cfg.StorageBackend() == config.BackendMemory {
		return fmt.Errorf("production mode requires a persistent storage backend; signing keys and sessions must survive restarts")
	}

	repo, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warnf("Error closing storage: %v", err)
		}
	}()

	km, err := keys.NewManager(ctx, repo)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}
	if err := km.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("failed to provision signing keys: %w", err)
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		// Development fallback; production requires SESSION_SECRET.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		logger.Warn("SESSION_SECRET not set; sessions will not survive a restart")
	}
	sessions, err := session.NewService(secret)
	if err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	recorder := events.NewRecorder(logger.Get(), metrics)
	users := userstore.New(repo)
	registry := clients.NewRegistry(repo)

	tokenService, err := tokens.NewService(tokens.Config{
		Issuer:           cfg.Issuer,
		DefaultAudience:  cfg.DefaultAudience,
		SigningAlgorithm: jose.Algorithm(cfg.SigningAlgorithm),
	}, km, repo, users, tokens.WithRecorder(recorder))
	if err != nil {
		return fmt.Errorf("failed to build token service: %w", err)
	}

	var fed *federation.Manager
	if providers := cfg.FederationProviders(); len(providers) > 0 {
		fed, err = federation.NewManager(cfg.Issuer, providers, repo, users,
			federation.WithRecorder(recorder),
			federation.WithMetrics(metrics),
		)
		if err != nil {
			return fmt.Errorf("failed to configure federation: %w", err)
		}
		logger.Infof("Federation enabled for: %v", fed.Providers())
	}

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, cfg.SeedFile, repo, users); err != nil {
			return err
		}
	}

	srv, err := server.New(server.Config{
		Issuer:     cfg.Issuer,
		ListenAddr: cfg.ListenAddr(),
		AdminAddr:  cfg.AdminAddr(),
		Production: cfg.Production,
	}, server.Deps{
		Log:        logger.Get(),
		Store:      repo,
		Clients:    registry,
		Tokens:     tokenService,
		Keys:       km,
		Sessions:   sessions,
		Users:      users,
		Federation: fed,
		Recorder:   recorder,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}

	logger.Infow("Starting signet",
		"issuer", cfg.Issuer,
		"addr", cfg.ListenAddr(),
		"storage", cfg.StorageBackend(),
		"production", cfg.Production,
	)
	return srv.Run(ctx)
}
