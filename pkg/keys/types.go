// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys maintains the server's signing key registry: key generation,
// retirement, signer selection, and JWKS export.
//
// The registry is read on every token operation and written only during
// rotation, so it is guarded by a readers-writer lock. Keys survive restarts
// through the signing-key repository; HMAC secrets never leave the process in
// JWK form.
package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/stacklok/signet/pkg/jose"
)

// RSAKeySize is the modulus size for generated RSA keys.
const RSAKeySize = 2048

// HMACSecretSize is the byte length of generated HMAC secrets.
const HMACSecretSize = 64

// DefaultJWKSGrace is how long a retired key stays in the published JWKS,
// matching the longest still-valid ID token lifetime.
const DefaultJWKSGrace = 900 * time.Second

// Registry errors.
var (
	// ErrKeyNotFound is returned when no key with the requested kid exists.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeyRetired is returned when the requested key exists but is retired.
	ErrKeyRetired = errors.New("signing key is retired")

	// ErrNoActiveKey is returned when no live key exists for an algorithm.
	ErrNoActiveKey = errors.New("no active signing key for algorithm")
)

// Key is one registry entry. Private is *rsa.PrivateKey, *ecdsa.PrivateKey,
// or []byte for the HS family.
type Key struct {
	KeyID     string
	Algorithm jose.Algorithm
	Private   any
	CreatedAt time.Time
	RetiredAt *time.Time
}

// Retired reports whether the key has been taken out of signing rotation.
func (k *Key) Retired() bool {
	return k.RetiredAt != nil
}

// Public returns the verification key: the public half for RS and ES keys,
// the shared secret for HS keys.
func (k *Key) Public() any {
	switch priv := k.Private.(type) {
	case *rsa.PrivateKey:
		return &priv.PublicKey
	case *ecdsa.PrivateKey:
		return &priv.PublicKey
	default:
		return k.Private
	}
}
