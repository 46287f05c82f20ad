// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"

	gojose "github.com/go-jose/go-jose/v4"
)

// Sign produces a compact JWS over payload with header {alg, typ: "JWT"} plus
// kid when non-empty. RS and ES algorithms take the matching private key; HS
// algorithms take the shared secret as []byte. ECDSA signatures come out in
// the fixed-width P1363 form JWS requires, not DER.
func Sign(payload []byte, key any, alg Algorithm, kid string) (string, error) {
	if !alg.Valid() {
		return "", fmt.Errorf("unsupported JWT algorithm %q", alg)
	}
	if err := checkSigningKey(key, alg); err != nil {
		return "", err
	}

	signingKey := gojose.SigningKey{
		Algorithm: gojose.SignatureAlgorithm(alg),
		Key:       &gojose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(alg), Use: "sig"},
	}
	opts := (&gojose.SignerOptions{}).WithType("JWT")

	signer, err := gojose.NewSigner(signingKey, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}

	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	return sig.CompactSerialize()
}

func checkSigningKey(key any, alg Algorithm) error {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		if !alg.IsRSA() {
			return fmt.Errorf("%s requires an RSA private key", alg)
		}
	case *ecdsa.PrivateKey:
		if !alg.IsECDSA() {
			return fmt.Errorf("%s cannot sign with an ECDSA key", alg)
		}
		if k.Curve != alg.Curve() {
			return fmt.Errorf("%s requires curve %s, key uses %s",
				alg, alg.Curve().Params().Name, k.Curve.Params().Name)
		}
	case []byte:
		if !alg.IsHMAC() {
			return fmt.Errorf("%s cannot sign with a shared secret", alg)
		}
		if len(k) == 0 {
			return fmt.Errorf("empty HMAC secret")
		}
	default:
		return fmt.Errorf("unsupported signing key type %T", key)
	}
	return nil
}
