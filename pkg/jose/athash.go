// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"fmt"
	"io"
)

// AccessTokenHash computes the OIDC at_hash value: the unpadded base64url of
// the left half of the hash of the access token's ASCII form, where the hash
// is the one paired with the ID token's signing algorithm (OIDC Core
// §3.1.3.6).
func AccessTokenHash(alg Algorithm, accessToken string) (string, error) {
	hash := alg.Hash()
	if hash == 0 {
		return "", fmt.Errorf("unsupported JWT algorithm %q", alg)
	}

	h := hash.New()
	_, _ = io.WriteString(h, accessToken)
	sum := h.Sum(nil)
	return Encode(sum[:len(sum)/2]), nil
}
