// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
)

// Header is the protected JWS header of a verified token.
type Header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ,omitempty"`
	KeyID     string `json:"kid,omitempty"`
}

// Verify checks token against key under expectedAlg and the current wall
// clock. See VerifyAt.
func Verify(token string, key any, expectedAlg Algorithm) (*Header, map[string]any, error) {
	return VerifyAt(token, key, expectedAlg, time.Now())
}

// VerifyAt validates a compact JWS and returns its header and claims. The
// checks run in a fixed order:
//
//  1. three dot-separated segments, each valid base64url
//  2. header and payload decode to JSON objects
//  3. the header algorithm equals expectedAlg ("none" is never accepted)
//  4. the signature verifies under key
//  5. exp and nbf, when present, are JSON numbers and satisfy
//     exp > now and nbf <= now
//
// No clock skew is applied. Numeric claims in the returned map are
// json.Number values.
func VerifyAt(token string, key any, expectedAlg Algorithm, now time.Time) (*Header, map[string]any, error) {
	if !expectedAlg.Valid() {
		return nil, nil, fmt.Errorf("unsupported JWT algorithm %q", expectedAlg)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, nil, formatErrorf("expected 3 segments, got %d", len(parts))
	}

	headerBytes, err := Decode(parts[0])
	if err != nil {
		return nil, nil, formatErrorf("header is not valid base64url")
	}
	headerMap, err := decodeJSONObject(headerBytes, "header")
	if err != nil {
		return nil, nil, err
	}

	alg, _ := headerMap["alg"].(string)
	if alg != string(expectedAlg) {
		return nil, nil, ErrAlgorithmMismatch
	}

	payloadBytes, err := Decode(parts[1])
	if err != nil {
		return nil, nil, formatErrorf("payload is not valid base64url")
	}
	claims, err := decodeJSONObject(payloadBytes, "payload")
	if err != nil {
		return nil, nil, err
	}

	// The algorithm list restates expectedAlg so the library rejects any
	// header trickery the manual comparison above might have missed.
	jws, err := gojose.ParseSigned(token, []gojose.SignatureAlgorithm{gojose.SignatureAlgorithm(expectedAlg)})
	if err != nil {
		return nil, nil, &FormatError{Detail: "malformed JWS"}
	}
	if _, err := jws.Verify(key); err != nil {
		return nil, nil, ErrInvalidSignature
	}

	if err := checkTimeClaims(claims, now); err != nil {
		return nil, nil, err
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, &FormatError{Detail: "malformed header"}
	}
	return &header, claims, nil
}

// DecodeHeader parses the protected header of a compact JWS without
// verifying anything else. Callers use it to pick a verification key by kid
// before running Verify.
func DecodeHeader(token string) (*Header, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, formatErrorf("expected 3 segments, got %d", len(parts))
	}
	headerBytes, err := Decode(parts[0])
	if err != nil {
		return nil, formatErrorf("header is not valid base64url")
	}
	if _, err := decodeJSONObject(headerBytes, "header"); err != nil {
		return nil, err
	}
	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, &FormatError{Detail: "malformed header"}
	}
	return &header, nil
}

// decodeJSONObject decodes data and insists on a JSON object, naming the
// offending JSON kind otherwise. Numbers are preserved as json.Number so the
// exp/nbf type checks can tell 1700000000 from "1700000000".
func decodeJSONObject(data []byte, part string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, formatErrorf("%s is not valid JSON", part)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, formatErrorf("%s must be a JSON object, got %s", part, jsonKind(v))
	}
	return obj, nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return "object"
	}
}

func checkTimeClaims(claims map[string]any, now time.Time) error {
	nowSec := float64(now.Unix())

	if raw, ok := claims["exp"]; ok {
		exp, err := claimNumber(raw)
		if err != nil {
			return ErrExpNotNumber
		}
		if exp <= nowSec {
			return ErrExpired
		}
	}

	if raw, ok := claims["nbf"]; ok {
		nbf, err := claimNumber(raw)
		if err != nil {
			return ErrNbfNotNumber
		}
		if nbf > nowSec {
			return ErrNotYetValid
		}
	}
	return nil
}

func claimNumber(raw any) (float64, error) {
	num, ok := raw.(json.Number)
	if !ok {
		return 0, fmt.Errorf("claim is %T, not a number", raw)
	}
	f, err := num.Float64()
	if err != nil {
		return 0, err
	}
	return f, nil
}
