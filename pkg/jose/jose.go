// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jose implements the signing core of the identity provider: compact
// JWS creation and verification for the RS, ES, and HS algorithm families,
// unpadded base64url coding, and JWT claim assembly.
//
// Verification is deliberately strict. The caller always states the algorithm
// it expects; a token whose header disagrees is rejected before any
// cryptographic work, which closes the classic algorithm-confusion hole.
package jose

import (
	"crypto"
	"crypto/elliptic"
)

// Algorithm is a JWS signature algorithm (RFC 7518 §3.1).
type Algorithm string

// Signature algorithms supported by the server.
const (
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = RS256

// SupportedAlgorithms lists every algorithm the server signs and verifies
// with. "none" is intentionally absent and is never accepted.
var SupportedAlgorithms = []Algorithm{
	RS256, RS384, RS512,
	ES256, ES384, ES512,
	HS256, HS384, HS512,
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool {
	switch a {
	case RS256, RS384, RS512, ES256, ES384, ES512, HS256, HS384, HS512:
		return true
	default:
		return false
	}
}

// IsRSA reports whether a is an RSASSA-PKCS1-v1_5 algorithm.
func (a Algorithm) IsRSA() bool {
	return a == RS256 || a == RS384 || a == RS512
}

// IsECDSA reports whether a is an ECDSA algorithm.
func (a Algorithm) IsECDSA() bool {
	return a == ES256 || a == ES384 || a == ES512
}

// IsHMAC reports whether a is an HMAC algorithm.
func (a Algorithm) IsHMAC() bool {
	return a == HS256 || a == HS384 || a == HS512
}

// Hash returns the hash function paired with the algorithm.
func (a Algorithm) Hash() crypto.Hash {
	switch a {
	case RS256, ES256, HS256:
		return crypto.SHA256
	case RS384, ES384, HS384:
		return crypto.SHA384
	case RS512, ES512, HS512:
		return crypto.SHA512
	default:
		return 0
	}
}

// Curve returns the elliptic curve paired with an ES algorithm, or nil.
func (a Algorithm) Curve() elliptic.Curve {
	switch a {
	case ES256:
		return elliptic.P256()
	case ES384:
		return elliptic.P384()
	case ES512:
		return elliptic.P521()
	default:
		return nil
	}
}

// SignatureSize returns the fixed P1363 signature length in bytes for an ES
// algorithm (R and S each zero-padded to the curve size), or 0 for the other
// families whose signature length follows from the key.
func (a Algorithm) SignatureSize() int {
	curve := a.Curve()
	if curve == nil {
		return 0
	}
	byteLen := (curve.Params().BitSize + 7) / 8
	return 2 * byteLen
}
