// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "errors"

// Sentinel errors shared by every backend. Callers match with errors.Is;
// service layers wrap them with domain context before surfacing.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an insert hits an existing key.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired is returned when a row exists but its lifetime has lapsed.
	ErrExpired = errors.New("expired")
)
