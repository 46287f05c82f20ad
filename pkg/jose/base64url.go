// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import "encoding/base64"

// Encode returns the unpadded base64url encoding of b (RFC 7515 §2).
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode reverses Encode. Padded or non-URL-safe input is an error.
func Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
