// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jose

import (
	"errors"
	"fmt"
)

// Verification failures. The strings are part of the server's contract with
// its callers and its tests; do not reword them.
var (
	// ErrAlgorithmMismatch is returned when a token's header algorithm does
	// not equal the algorithm the caller expects, including alg "none".
	ErrAlgorithmMismatch = errors.New("JWT algorithm mismatch")

	// ErrInvalidSignature is returned when the signature does not verify
	// under the provided key.
	ErrInvalidSignature = errors.New("Invalid JWT signature")

	// ErrExpired is returned when the exp claim is at or before now.
	ErrExpired = errors.New("JWT has expired")

	// ErrNotYetValid is returned when the nbf claim is after now.
	ErrNotYetValid = errors.New("JWT is not yet valid (nbf claim)")

	// ErrExpNotNumber is returned when exp is present but not a JSON number.
	ErrExpNotNumber = errors.New("exp claim must be a number")

	// ErrNbfNotNumber is returned when nbf is present but not a JSON number.
	ErrNbfNotNumber = errors.New("nbf claim must be a number")
)

// FormatError reports a token that is not a structurally valid compact JWS,
// including headers or payloads that decode to something other than a JSON
// object.
type FormatError struct {
	Detail string
}

// Error returns the error message.
func (e *FormatError) Error() string {
	if e.Detail == "" {
		return "Invalid JWT format"
	}
	return "Invalid JWT format: " + e.Detail
}

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Detail: fmt.Sprintf(format, args...)}
}
