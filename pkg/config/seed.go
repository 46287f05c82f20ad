// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is static data loaded at boot, for development and tests: client
// registrations with fixed ids and secrets, and local user accounts.
type Seed struct {
	Clients []SeedClient `yaml:"clients"`
	Users   []SeedUser   `yaml:"users"`
}

// SeedClient is one pre-registered client.
type SeedClient struct {
	ID                      string   `yaml:"id"`
	Name                    string   `yaml:"name"`
	RedirectURIs            []string `yaml:"redirect_uris"`
	GrantTypes              []string `yaml:"grant_types,omitempty"`
	ResponseTypes           []string `yaml:"response_types,omitempty"`
	Scopes                  []string `yaml:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `yaml:"token_endpoint_auth_method,omitempty"`

	// Secret is the plaintext client secret; only its hash is stored.
	Secret string `yaml:"secret,omitempty"`
}

// SeedUser is one pre-provisioned local account.
type SeedUser struct {
	Name          string `yaml:"name"`
	Email         string `yaml:"email"`
	Password      string `yaml:"password"`
	EmailVerified bool   `yaml:"email_verified"`
}

// LoadSeed parses a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}

	for i, client := range seed.Clients {
		if client.ID == "" || client.Name == "" || len(client.RedirectURIs) == 0 {
			return nil, fmt.Errorf("seed client %d: id, name, and redirect_uris are required", i)
		}
	}
	for i, user := range seed.Users {
		if user.Email == "" {
			return nil, fmt.Errorf("seed user %d: email is required", i)
		}
	}
	return &seed, nil
}
