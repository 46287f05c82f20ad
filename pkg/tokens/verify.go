// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"fmt"

	"github.com/stacklok/signet/pkg/jose"
	"github.com/stacklok/signet/pkg/keys"
)

// VerifyAccessToken validates a token this server signed, selecting the
// verification key by the header kid; retired keys still verify. Tokens
// without a kid fall back to the newest active key for the configured
// algorithm. The issuer claim must match this server.
func (s *Service) VerifyAccessToken(token string) (map[string]any, error) {
	header, err := jose.DecodeHeader(token)
	if err != nil {
		return nil, err
	}

	var key *keys.Key
	if header.KeyID != "" {
		key, err = s.keys.Lookup(header.KeyID)
	} else {
		key, err = s.keys.LatestActive(s.cfg.SigningAlgorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("no verification key: %w", err)
	}

	_, claims, err := jose.VerifyAt(token, key.Public(), key.Algorithm, s.now())
	if err != nil {
		return nil, err
	}

	if iss, _ := jose.StringClaim(claims, "iss"); iss != s.cfg.Issuer {
		return nil, fmt.Errorf("unexpected token issuer %q", iss)
	}
	return claims, nil
}
