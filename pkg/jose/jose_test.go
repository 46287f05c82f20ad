// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func generateECKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	return key
}

// signingKeys returns a private/public key pair suitable for alg.
func signingKeys(t *testing.T, alg Algorithm) (any, any) {
	t.Helper()
	switch {
	case alg.IsRSA():
		key := generateRSAKey(t)
		return key, &key.PublicKey
	case alg.IsECDSA():
		key := generateECKey(t, alg.Curve())
		return key, &key.PublicKey
	default:
		secret := []byte("0123456789abcdef0123456789abcdef")
		return secret, secret
	}
}

func TestBase64URLRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		nil,
		{},
		[]byte("f"),
		[]byte("hello world"),
		{0x00, 0x01, 0x02, 0xfe, 0xff},
	}
	random := make([]byte, 257)
	_, err := rand.Read(random)
	require.NoError(t, err)
	inputs = append(inputs, random)

	for _, in := range inputs {
		encoded := Encode(in)
		assert.NotContains(t, encoded, "=")
		assert.NotContains(t, encoded, "+")
		assert.NotContains(t, encoded, "/")

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, append([]byte(nil), in...), append([]byte(nil), decoded...))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	for _, alg := range SupportedAlgorithms {
		t.Run(string(alg), func(t *testing.T) {
			t.Parallel()

			priv, pub := signingKeys(t, alg)
			payload, err := BuildPayload(map[string]any{
				"sub":    "user-1",
				"custom": "value",
			}, time.Minute, time.Now())
			require.NoError(t, err)

			token, err := Sign(payload, priv, alg, "test-kid")
			require.NoError(t, err)

			header, claims, err := Verify(token, pub, alg)
			require.NoError(t, err)
			assert.Equal(t, string(alg), header.Algorithm)
			assert.Equal(t, "JWT", header.Type)
			assert.Equal(t, "test-kid", header.KeyID)

			sub, ok := StringClaim(claims, "sub")
			require.True(t, ok)
			assert.Equal(t, "user-1", sub)
			custom, ok := StringClaim(claims, "custom")
			require.True(t, ok)
			assert.Equal(t, "value", custom)
		})
	}
}

func TestVerifyAlgorithmMismatch(t *testing.T) {
	t.Parallel()

	key := generateRSAKey(t)
	payload, err := BuildPayload(map[string]any{"sub": "user-1"}, time.Minute, time.Now())
	require.NoError(t, err)

	token, err := Sign(payload, key, RS256, "kid-1")
	require.NoError(t, err)

	for _, expected := range []Algorithm{RS384, RS512, ES256, HS256} {
		_, _, err := Verify(token, &key.PublicKey, expected)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAlgorithmMismatch)
		assert.EqualError(t, err, "JWT algorithm mismatch")
	}
}

func TestVerifyRejectsAlgNone(t *testing.T) {
	t.Parallel()

	header := Encode([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := Encode([]byte(`{"sub":"user-1"}`))
	token := header + "." + payload + "."

	key := generateRSAKey(t)
	_, _, err := Verify(token, &key.PublicKey, RS256)
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)

	_, _, err = VerifyAt(token, &key.PublicKey, Algorithm("none"), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported JWT algorithm")
}

func TestVerifyWrongKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		alg  Algorithm
	}{
		{name: "rsa", alg: RS256},
		{name: "ecdsa", alg: ES256},
		{name: "hmac", alg: HS256},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			priv, _ := signingKeys(t, tt.alg)
			payload, err := BuildPayload(map[string]any{"sub": "user-1"}, time.Minute, time.Now())
			require.NoError(t, err)
			token, err := Sign(payload, priv, tt.alg, "")
			require.NoError(t, err)

			var otherPub any
			switch {
			case tt.alg.IsRSA():
				otherPub = &generateRSAKey(t).PublicKey
			case tt.alg.IsECDSA():
				otherPub = &generateECKey(t, tt.alg.Curve()).PublicKey
			default:
				otherPub = []byte("a completely different secret!!!")
			}

			_, _, err = Verify(token, otherPub, tt.alg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSignature)
			assert.EqualError(t, err, "Invalid JWT signature")
		})
	}
}

func TestECDSASignatureIsFixedWidthP1363(t *testing.T) {
	t.Parallel()

	for _, alg := range []Algorithm{ES256, ES384, ES512} {
		t.Run(string(alg), func(t *testing.T) {
			t.Parallel()

			key := generateECKey(t, alg.Curve())
			payload, err := BuildPayload(map[string]any{"sub": "user-1"}, time.Minute, time.Now())
			require.NoError(t, err)

			// Sign a few times; ECDSA is randomized but the encoded width
			// must not vary.
			for i := 0; i < 4; i++ {
				token, err := Sign(payload, key, alg, "")
				require.NoError(t, err)

				parts := strings.Split(token, ".")
				require.Len(t, parts, 3)
				sig, err := Decode(parts[2])
				require.NoError(t, err)
				assert.Len(t, sig, alg.SignatureSize())
			}
		})
	}
}

func TestVerifyFormatErrors(t *testing.T) {
	t.Parallel()

	key := generateRSAKey(t)
	objHeader := Encode([]byte(`{"alg":"RS256","typ":"JWT"}`))
	objPayload := Encode([]byte(`{"sub":"x"}`))

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{
			name:  "two segments",
			token: objHeader + "." + objPayload,
			want:  "Invalid JWT format: expected 3 segments, got 2",
		},
		{
			name:  "header array",
			token: Encode([]byte(`["RS256"]`)) + "." + objPayload + ".sig",
			want:  "Invalid JWT format: header must be a JSON object, got array",
		},
		{
			name:  "header string",
			token: Encode([]byte(`"RS256"`)) + "." + objPayload + ".sig",
			want:  "Invalid JWT format: header must be a JSON object, got string",
		},
		{
			name:  "header null",
			token: Encode([]byte(`null`)) + "." + objPayload + ".sig",
			want:  "Invalid JWT format: header must be a JSON object, got null",
		},
		{
			name:  "payload number",
			token: objHeader + "." + Encode([]byte(`42`)) + ".sig",
			want:  "Invalid JWT format: payload must be a JSON object, got number",
		},
		{
			name:  "payload boolean",
			token: objHeader + "." + Encode([]byte(`true`)) + ".sig",
			want:  "Invalid JWT format: payload must be a JSON object, got boolean",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := Verify(tt.token, &key.PublicKey, RS256)
			require.Error(t, err)
			assert.EqualError(t, err, tt.want)

			var formatErr *FormatError
			assert.ErrorAs(t, err, &formatErr)
		})
	}
}

func TestVerifyTimeClaims(t *testing.T) {
	t.Parallel()

	key := generateRSAKey(t)
	now := time.Now()

	sign := func(t *testing.T, claims map[string]any) string {
		t.Helper()
		payload, err := json.Marshal(claims)
		require.NoError(t, err)
		token, err := Sign(payload, key, RS256, "")
		require.NoError(t, err)
		return token
	}

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{"sub": "x", "exp": now.Add(-time.Minute).Unix()})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.ErrorIs(t, err, ErrExpired)
		assert.EqualError(t, err, "JWT has expired")
	})

	t.Run("exp equal to now is expired", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{"sub": "x", "exp": now.Unix()})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("not yet valid", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{
			"sub": "x",
			"exp": now.Add(time.Hour).Unix(),
			"nbf": now.Add(time.Minute).Unix(),
		})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.ErrorIs(t, err, ErrNotYetValid)
		assert.EqualError(t, err, "JWT is not yet valid (nbf claim)")
	})

	t.Run("nbf equal to now is valid", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{
			"sub": "x",
			"exp": now.Add(time.Hour).Unix(),
			"nbf": now.Unix(),
		})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.NoError(t, err)
	})

	t.Run("exp as string", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{"sub": "x", "exp": "1700000000"})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.ErrorIs(t, err, ErrExpNotNumber)
		assert.EqualError(t, err, "exp claim must be a number")
	})

	t.Run("nbf as boolean", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{
			"sub": "x",
			"exp": now.Add(time.Hour).Unix(),
			"nbf": true,
		})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.ErrorIs(t, err, ErrNbfNotNumber)
		assert.EqualError(t, err, "nbf claim must be a number")
	})

	t.Run("token without exp passes time checks", func(t *testing.T) {
		t.Parallel()
		token := sign(t, map[string]any{"sub": "x"})
		_, _, err := VerifyAt(token, &key.PublicKey, RS256, now)
		assert.NoError(t, err)
	})
}

func TestBuildPayloadDefaults(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)

	payload, err := BuildPayload(map[string]any{"sub": "user-1"}, 15*time.Minute, now)
	require.NoError(t, err)

	var claims map[string]any
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, float64(1700000000), claims["iat"])
	assert.Equal(t, float64(1700000900), claims["exp"])
	assert.Equal(t, "user-1", claims["sub"])

	// Caller-provided iat/exp are left alone.
	payload, err = BuildPayload(map[string]any{"iat": int64(1), "exp": int64(2)}, time.Hour, now)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &claims))
	assert.Equal(t, float64(1), claims["iat"])
	assert.Equal(t, float64(2), claims["exp"])
}

func TestDecodeHeader(t *testing.T) {
	t.Parallel()

	key := generateRSAKey(t)
	payload, err := BuildPayload(map[string]any{"sub": "x"}, time.Minute, time.Now())
	require.NoError(t, err)
	token, err := Sign(payload, key, RS256, "my-kid")
	require.NoError(t, err)

	header, err := DecodeHeader(token)
	require.NoError(t, err)
	assert.Equal(t, "RS256", header.Algorithm)
	assert.Equal(t, "my-kid", header.KeyID)

	_, err = DecodeHeader("only.two")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid JWT format")
}

func TestAccessTokenHash(t *testing.T) {
	t.Parallel()

	const token = "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"

	got, err := AccessTokenHash(RS256, token)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(token))
	assert.Equal(t, Encode(sum[:16]), got)

	// Same hash family regardless of key family.
	es, err := AccessTokenHash(ES256, token)
	require.NoError(t, err)
	assert.Equal(t, got, es)

	_, err = AccessTokenHash(Algorithm("none"), token)
	assert.Error(t, err)
}

func TestSignRejectsMismatchedKeys(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	ecKey := generateECKey(t, elliptic.P256())

	_, err := Sign([]byte(`{}`), rsaKey, ES256, "")
	assert.Error(t, err)

	_, err = Sign([]byte(`{}`), ecKey, ES384, "")
	assert.Error(t, err)

	_, err = Sign([]byte(`{}`), []byte("secret"), RS256, "")
	assert.Error(t, err)

	_, err = Sign([]byte(`{}`), []byte{}, HS256, "")
	assert.Error(t, err)
}
