// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package userstore abstracts the user-record service the token and
// federation layers consume. The core reads users by subject and writes only
// through the provider-link API; everything else about account management
// lives behind the interface.
package userstore

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrUserNotFound is returned when no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidCredentials is returned on password mismatch. Callers must
	// respond identically for unknown users and wrong passwords so login
	// cannot be used as an enumeration oracle.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// User is the read model the token service resolves claims from.
type User struct {
	// Sub is the stable subject identifier (the account UUID).
	Sub string

	Name       string
	GivenName  string
	FamilyName string
	Picture    string

	// Email is the user's primary email contact, empty when none exists.
	Email         string
	EmailVerified bool
}

// Profile is a normalized external identity, the write side of the link API.
type Profile struct {
	// Subject is the provider's stable identifier for the user.
	Subject string

	Email         string
	EmailVerified bool
	Name          string
	GivenName     string
	FamilyName    string
	Picture       string
}

// UserStore is the port the identity provider is written against.
type UserStore interface {
	// GetUser resolves a user by subject. ErrUserNotFound when absent.
	GetUser(ctx context.Context, sub string) (*User, error)

	// FindUserByEmail resolves a user by a verified or unverified email
	// contact. ErrUserNotFound when absent.
	FindUserByEmail(ctx context.Context, email string) (*User, error)

	// VerifyPassword authenticates an email/password pair. The error is
	// ErrInvalidCredentials for both unknown users and wrong passwords.
	VerifyPassword(ctx context.Context, email, password string) (*User, error)

	// CreateUser provisions a local account, optionally with an email
	// contact and password.
	CreateUser(ctx context.Context, input CreateUserInput) (*User, error)

	// LinkProviderAccount upserts the (provider, subject) link and returns
	// the local user, finding or creating an account by the profile's email
	// when no link exists yet.
	LinkProviderAccount(ctx context.Context, provider string, profile *Profile) (*User, error)
}

// CreateUserInput is the input to CreateUser.
type CreateUserInput struct {
	Name       string
	GivenName  string
	FamilyName string
	Picture    string
	Email      string

	// EmailVerifiedAt marks the email contact verified when non-zero.
	EmailVerifiedAt time.Time

	// Password is optional; accounts created through federation have none.
	Password string
}
