// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/stacklok/signet/pkg/clients"
	"github.com/stacklok/signet/pkg/config"
	"github.com/stacklok/signet/pkg/logger"
	"github.com/stacklok/signet/pkg/oauthtypes"
	"github.com/stacklok/signet/pkg/storage"
	"github.com/stacklok/signet/pkg/userstore"
)

// applySeed loads the seed file and provisions its clients and users. Seeding
// is idempotent: entries that already exist are left alone.
func applySeed(ctx context.Context, path string, repo storage.Repositories, users userstore.UserStore) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}

	for _, sc := range seed.Clients {
		client := &storage.Client{
			ID:                      sc.ID,
			Name:                    sc.Name,
			RedirectURIs:            sc.RedirectURIs,
			GrantTypes:              sc.GrantTypes,
			ResponseTypes:           sc.ResponseTypes,
			Scopes:                  sc.Scopes,
			TokenEndpointAuthMethod: sc.TokenEndpointAuthMethod,
			IsActive:                true,
			CreatedAt:               time.Now(),
			UpdatedAt:               time.Now(),
		}
		if len(client.GrantTypes) == 0 {
			client.GrantTypes = []string{oauthtypes.GrantAuthorizationCode}
		}
		if len(client.ResponseTypes) == 0 {
			client.ResponseTypes = []string{oauthtypes.ResponseTypeCode}
		}
		if len(client.Scopes) == 0 {
			client.Scopes = []string{oauthtypes.ScopeOpenID, oauthtypes.ScopeProfile, oauthtypes.ScopeEmail}
		}
		if client.TokenEndpointAuthMethod == "" {
			if sc.Secret == "" {
				client.TokenEndpointAuthMethod = oauthtypes.AuthMethodNone
			} else {
				client.TokenEndpointAuthMethod = oauthtypes.AuthMethodClientSecretBasic
			}
		}
		if sc.Secret != "" {
			client.SecretHash = clients.HashSecret(sc.Secret)
		}

		applied, err := repo.InsertClient(ctx, client)
		if err != nil {
			return fmt.Errorf("failed to seed client %s: %w", sc.ID, err)
		}
		if applied {
			logger.Infof("Seeded client %s (%s)", sc.ID, sc.Name)
		}
	}

	for _, su := range seed.Users {
		if existing, err := users.FindUserByEmail(ctx, su.Email); err == nil && existing != nil {
			continue
		}
		input := userstore.CreateUserInput{
			Name:     su.Name,
			Email:    su.Email,
			Password: su.Password,
		}
		if su.EmailVerified {
			input.EmailVerifiedAt = time.Now()
		}
		if _, err := users.CreateUser(ctx, input); err != nil {
			return fmt.Errorf("failed to seed user %s: %w", su.Email, err)
		}
		logger.Infof("Seeded user %s", su.Email)
	}
	return nil
}
