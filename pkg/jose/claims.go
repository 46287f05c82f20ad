// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"encoding/json"
	"fmt"
	"time"
)

// BuildPayload assembles a JWT claims object for signing. iat is filled with
// now and exp with now+defaultTTL when the caller left them unset; every
// other claim, registered or custom, passes through untouched.
func BuildPayload(claims map[string]any, defaultTTL time.Duration, now time.Time) ([]byte, error) {
	out := make(map[string]any, len(claims)+2)
	for k, v := range claims {
		out[k] = v
	}
	if _, ok := out["iat"]; !ok {
		out["iat"] = now.Unix()
	}
	if _, ok := out["exp"]; !ok {
		out["exp"] = now.Add(defaultTTL).Unix()
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal claims: %w", err)
	}
	return payload, nil
}

// StringClaim returns the named claim as a string when present and of that type.
func StringClaim(claims map[string]any, name string) (string, bool) {
	v, ok := claims[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// NumberClaim returns the named claim as an int64 when present and numeric.
// Verified claims carry numbers as json.Number; freshly built ones may be
// native integers.
func NumberClaim(claims map[string]any, name string) (int64, bool) {
	v, ok := claims[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
