// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"math/big"

	"github.com/stacklok/signet/pkg/jose"
)

// JWK is one published verification key (RFC 7517/7518). Only the fields for
// the key's type are set; private material never appears here.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSet is the /.well-known/jwks.json document body.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS exports the published key set: every RS and ES key that is live, plus
// retired ones still inside the grace period so outstanding ID tokens keep
// verifying. HS keys are shared secrets and are never published.
func (m *Manager) JWKS() JWKSet {
	now := m.now()

	set := JWKSet{Keys: []JWK{}}
	for _, key := range m.List() {
		if key.Algorithm.IsHMAC() {
			continue
		}
		if key.Retired() && now.After(key.RetiredAt.Add(m.jwksGrace)) {
			continue
		}
		if jwk, ok := publicJWK(key); ok {
			set.Keys = append(set.Keys, jwk)
		}
	}
	return set
}

func publicJWK(key *Key) (JWK, bool) {
	switch priv := key.Private.(type) {
	case *rsa.PrivateKey:
		return JWK{
			Kty: "RSA",
			Kid: key.KeyID,
			Use: "sig",
			Alg: string(key.Algorithm),
			N:   bigIntField(priv.N, 0),
			E:   bigIntField(big.NewInt(int64(priv.E)), 0),
		}, true
	case *ecdsa.PrivateKey:
		// EC coordinates are fixed-width: zero-padded to the curve size
		// (RFC 7518 §6.2.1.2).
		byteLen := (priv.Curve.Params().BitSize + 7) / 8
		return JWK{
			Kty: "EC",
			Kid: key.KeyID,
			Use: "sig",
			Alg: string(key.Algorithm),
			Crv: curveName(key.Algorithm),
			X:   bigIntField(priv.X, byteLen),
			Y:   bigIntField(priv.Y, byteLen),
		}, true
	default:
		return JWK{}, false
	}
}

func curveName(alg jose.Algorithm) string {
	switch alg {
	case jose.ES256:
		return "P-256"
	case jose.ES384:
		return "P-384"
	case jose.ES512:
		return "P-521"
	default:
		return ""
	}
}

// bigIntField base64url-encodes a big-endian integer. With size 0 the
// minimal-length encoding is used (big.Int.Bytes never emits a leading zero
// byte); a positive size left-pads to that width.
func bigIntField(n *big.Int, size int) string {
	b := n.Bytes()
	if size > len(b) {
		padded := make([]byte, size)
		copy(padded[size-len(b):], b)
		b = padded
	}
	return jose.Encode(b)
}
