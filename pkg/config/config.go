// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the server configuration and the
// logic to load it: defaults, an optional YAML file, then environment
// variables, each layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/signet/pkg/federation"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the server configuration.
type Config struct {
	// Issuer is the external base URL and the iss claim of every token.
	Issuer string `yaml:"issuer"`

	// DefaultAudience is the aud claim for client_credentials tokens.
	DefaultAudience string `yaml:"default_audience,omitempty"`

	// Port is the main listener port.
	Port int `yaml:"port"`

	// AdminPort, when non-zero, serves /metrics and /health separately.
	AdminPort int `yaml:"admin_port,omitempty"`

	// Production enables the HTTPS gate and refuses ephemeral dev keys.
	Production bool `yaml:"production"`

	// SessionSecret signs the HS256 session cookie JWT.
	SessionSecret string `yaml:"session_secret,omitempty"`

	// SigningAlgorithm is the default algorithm for issued tokens.
	SigningAlgorithm string `yaml:"signing_algorithm,omitempty"`

	Storage   Storage   `yaml:"storage,omitempty"`
	Providers Providers `yaml:"providers,omitempty"`

	// SeedFile points at a YAML seed of clients and users loaded at boot.
	SeedFile string `yaml:"seed_file,omitempty"`
}

// Storage selects and configures the repository backend.
type Storage struct {
	// Backend is memory, redis, or sqlite. Empty is derived from the URLs:
	// RedisURL wins, then DatabasePath, then memory.
	Backend string `yaml:"backend,omitempty"`

	RedisURL     string `yaml:"redis_url,omitempty"`
	DatabasePath string `yaml:"database_path,omitempty"`
}

// Provider is one external identity provider's credentials.
type Provider struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// Tenant applies to Microsoft only.
	Tenant string `yaml:"tenant,omitempty"`
}

// Providers holds the federation credentials. A provider with no client id
// is disabled.
type Providers struct {
	Google    Provider `yaml:"google,omitempty"`
	Microsoft Provider `yaml:"microsoft,omitempty"`
	Facebook  Provider `yaml:"facebook,omitempty"`
	X         Provider `yaml:"x,omitempty"`
}

// defaultPathGenerator generates the default config path using xdg.
var defaultPathGenerator = func() (string, error) {
	return xdg.ConfigFile("signet/config.yaml")
}

// getConfigPath is the current path generator, replaceable in tests.
var getConfigPath = defaultPathGenerator

// Default returns the built-in configuration.
func Default() Config {
	// Storage.Backend stays empty so the URL-based derivation in
	// StorageBackend applies when the environment sets one.
	return Config{
		Issuer:           "http://localhost:8080",
		Port:             8080,
		SigningAlgorithm: "RS256",
	}
}

// Load reads the configuration from path (or the default XDG location when
// path is empty), overlays the environment, and validates the result. A
// missing file is not an error; the defaults plus environment apply.
func Load(path string) (*Config, error) {
	if path == "" {
		defaultPath, err := getConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
		path = defaultPath
	}

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file; defaults and environment only.
	default:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	defaults := Default()
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays the recognized environment variables.
func (c *Config) applyEnv() {
	setString(&c.Issuer, "OIDC_ISSUER")
	setString(&c.DefaultAudience, "OIDC_DEFAULT_AUDIENCE")
	setString(&c.SessionSecret, "SESSION_SECRET")
	setString(&c.Storage.RedisURL, "REDIS_URL")
	setString(&c.Storage.DatabasePath, "DATABASE_URL")

	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			c.Port = n
		}
	}
	if env := os.Getenv("NODE_ENV"); env != "" {
		c.Production = env == "production"
	}

	setString(&c.Providers.Google.ClientID, "GOOGLE_CLIENT_ID")
	setString(&c.Providers.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	setString(&c.Providers.Microsoft.ClientID, "MICROSOFT_CLIENT_ID")
	setString(&c.Providers.Microsoft.ClientSecret, "MICROSOFT_CLIENT_SECRET")
	setString(&c.Providers.Microsoft.Tenant, "MICROSOFT_TENANT")
	setString(&c.Providers.Facebook.ClientID, "FACEBOOK_CLIENT_ID")
	setString(&c.Providers.Facebook.ClientSecret, "FACEBOOK_CLIENT_SECRET")
	setString(&c.Providers.X.ClientID, "X_CLIENT_ID")
	setString(&c.Providers.X.ClientSecret, "X_CLIENT_SECRET")
}

func setString(field *string, name string) {
	if v := os.Getenv(name); v != "" {
		*field = v
	}
}

// Validate checks invariants the rest of the server depends on.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d is out of range", c.Port)
	}
	if c.Production {
		if !strings.HasPrefix(c.Issuer, "https://") {
			return fmt.Errorf("production mode requires an https issuer, got %s", c.Issuer)
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("production mode requires SESSION_SECRET")
		}
	}
	switch c.StorageBackend() {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// StorageBackend resolves the effective backend.
func (c *Config) StorageBackend() string {
	if c.Storage.Backend != "" {
		return c.Storage.Backend
	}
	if c.Storage.RedisURL != "" {
		return BackendRedis
	}
	if c.Storage.DatabasePath != "" {
		return BackendSQLite
	}
	return BackendMemory
}

// ListenAddr returns the main listener address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AdminAddr returns the admin listener address, empty when disabled.
func (c *Config) AdminAddr() string {
	if c.AdminPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.AdminPort)
}

// FederationProviders converts the configured credentials to provider
// configurations, skipping providers with no client id.
func (c *Config) FederationProviders() []federation.ProviderConfig {
	var out []federation.ProviderConfig
	add := func(name string, p Provider) {
		if p.ClientID == "" {
			return
		}
		out = append(out, federation.ProviderConfig{
			Name:         name,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Tenant:       p.Tenant,
		})
	}
	add(federation.ProviderGoogle, c.Providers.Google)
	add(federation.ProviderMicrosoft, c.Providers.Microsoft)
	add(federation.ProviderFacebook, c.Providers.Facebook)
	add(federation.ProviderX, c.Providers.X)
	return out
}
