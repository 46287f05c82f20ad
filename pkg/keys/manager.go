// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gojose "github.com/go-jose/go-jose/v4"

	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/storage"
)

// Manager is the process-wide signing key registry. All methods are safe for
// concurrent use; rotation is online and readers observe either the pre- or
// post-rotation state.
type Manager struct {
	mu        sync.RWMutex
	keys      map[string]*Key
	store     storage.SigningKeyStore
	jwksGrace time.Duration
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithJWKSGrace overrides how long retired keys remain published.
func WithJWKSGrace(grace time.Duration) ManagerOption {
	return func(m *Manager) {
		m.jwksGrace = grace
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager builds a registry backed by the given repository and loads every
// persisted key, retired ones included so old tokens stay verifiable. A nil
// store yields a purely in-memory registry.
func NewManager(ctx context.Context, store storage.SigningKeyStore, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		keys:      make(map[string]*Key),
		store:     store,
		jwksGrace: DefaultJWKSGrace,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if store == nil {
		return m, nil
	}

	rows, err := store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	for _, row := range rows {
		key, err := keyFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key %s: %w", row.KeyID, err)
		}
		m.keys[key.KeyID] = key
	}
	return m, nil
}

// Generate creates, registers, and persists a fresh key for alg. RSA keys use
// a 2048-bit modulus; ES keys use the curve paired with the algorithm; HS keys
// are 64 random bytes.
func (m *Manager) Generate(ctx context.Context, alg jose.Algorithm) (*Key, error) {
	private, err := generatePrivate(alg)
	if err != nil {
		return nil, err
	}

	kid, err := deriveKeyID(private)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key id: %w", err)
	}

	key := &Key{
		KeyID:     kid,
		Algorithm: alg,
		Private:   private,
		CreatedAt: m.now(),
	}

	if m.store != nil {
		row, err := rowFromKey(key)
		if err != nil {
			return nil, err
		}
		applied, err := m.store.InsertSigningKey(ctx, row)
		if err != nil {
			return nil, fmt.Errorf("failed to persist signing key: %w", err)
		}
		if !applied {
			return nil, fmt.Errorf("signing key %s: %w", kid, storage.ErrAlreadyExists)
		}
	}

	m.mu.Lock()
	m.keys[kid] = key
	m.mu.Unlock()

	slog.Info("generated signing key", "kid", kid, "alg", string(alg))
	return key, nil
}

// Retire takes the key out of signing rotation. It remains usable for
// verification and stays in the JWKS for the grace period.
func (m *Manager) Retire(ctx context.Context, kid string) error {
	at := m.now()

	m.mu.Lock()
	key, ok := m.keys[kid]
	switch {
	case !ok:
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	case key.Retired():
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrKeyRetired, kid)
	}
	retired := *key
	retired.RetiredAt = &at
	m.keys[kid] = &retired
	m.mu.Unlock()

	if m.store != nil {
		if _, err := m.store.RetireSigningKey(ctx, kid, at); err != nil {
			return fmt.Errorf("failed to persist key retirement: %w", err)
		}
	}

	slog.Info("retired signing key", "kid", kid, "alg", string(retired.Algorithm))
	return nil
}

// Active returns the non-retired key with the given kid, for signing.
func (m *Manager) Active(kid string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	if key.Retired() {
		return nil, fmt.Errorf("%w: %s", ErrKeyRetired, kid)
	}
	return key, nil
}

// Lookup returns the key with the given kid whether or not it is retired.
// Verification of already-issued tokens goes through here.
func (m *Manager) Lookup(kid string) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// LatestActive returns the newest non-retired key for alg. This is the key
// new tokens are signed with, and the fallback for verifying tokens whose
// header carries no kid.
func (m *Manager) LatestActive(alg jose.Algorithm) (*Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Key
	for _, key := range m.keys {
		if key.Algorithm != alg || key.Retired() {
			continue
		}
		if latest == nil || key.CreatedAt.After(latest.CreatedAt) {
			latest = key
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, alg)
	}
	return latest, nil
}

// List returns every registry key, newest first.
func (m *Manager) List() []*Key {
	m.mu.RLock()
	out := make([]*Key, 0, len(m.keys))
	for _, key := range m.keys {
		out = append(out, key)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// EnsureDefaults generates one RS256 and one ES256 key when the registry has
// no live key for either algorithm, so a fresh deployment can sign and
// publish a JWKS without manual provisioning.
func (m *Manager) EnsureDefaults(ctx context.Context) error {
	for _, alg := range []jose.Algorithm{jose.RS256, jose.ES256} {
		if _, err := m.LatestActive(alg); err == nil {
			continue
		}
		if _, err := m.Generate(ctx, alg); err != nil {
			return err
		}
	}
	return nil
}

func generatePrivate(alg jose.Algorithm) (any, error) {
	switch {
	case alg.IsRSA():
		key, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return key, nil
	case alg.IsECDSA():
		key, err := ecdsa.GenerateKey(alg.Curve(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
		}
		return key, nil
	case alg.IsHMAC():
		secret := make([]byte, HMACSecretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate HMAC secret: %w", err)
		}
		return secret, nil
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// deriveKeyID computes the kid as the RFC 7638 JWK thumbprint of the key,
// base64url-encoded. The same key always maps to the same kid.
func deriveKeyID(private any) (string, error) {
	jwkKey := gojose.JSONWebKey{Key: private}
	thumbprint, err := jwkKey.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return jose.Encode(thumbprint), nil
}

func rowFromKey(key *Key) (*storage.SigningKey, error) {
	row := &storage.SigningKey{
		KeyID:     key.KeyID,
		Algorithm: string(key.Algorithm),
		CreatedAt: key.CreatedAt,
		RetiredAt: key.RetiredAt,
	}
	switch priv := key.Private.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		row.PrivatePKCS8 = der
	case []byte:
		row.Secret = priv
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key.Private)
	}
	return row, nil
}

func keyFromRow(row *storage.SigningKey) (*Key, error) {
	alg := jose.Algorithm(row.Algorithm)
	if !alg.Valid() {
		return nil, fmt.Errorf("unsupported signing algorithm %q", row.Algorithm)
	}

	key := &Key{
		KeyID:     row.KeyID,
		Algorithm: alg,
		CreatedAt: row.CreatedAt,
		RetiredAt: row.RetiredAt,
	}

	switch {
	case alg.IsHMAC():
		if len(row.Secret) == 0 {
			return nil, fmt.Errorf("HMAC key %s has no secret", row.KeyID)
		}
		key.Private = row.Secret
	default:
		private, err := x509.ParsePKCS8PrivateKey(row.PrivatePKCS8)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		switch priv := private.(type) {
		case *rsa.PrivateKey:
			if !alg.IsRSA() {
				return nil, fmt.Errorf("key %s: %s does not take an RSA key", row.KeyID, alg)
			}
			key.Private = priv
		case *ecdsa.PrivateKey:
			if !alg.IsECDSA() {
				return nil, fmt.Errorf("key %s: %s does not take an ECDSA key", row.KeyID, alg)
			}
			if priv.Curve != alg.Curve() {
				return nil, fmt.Errorf("key %s: curve %s does not match %s",
					row.KeyID, priv.Curve.Params().Name, alg)
			}
			key.Private = priv
		default:
			return nil, fmt.Errorf("key %s: unsupported private key type %T", row.KeyID, private)
		}
	}
	return key, nil
}
