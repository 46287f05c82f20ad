// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/signet/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mem := storage.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	return New(mem)
}

func TestCreateAndGetUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	user, err := s.CreateUser(ctx, CreateUserInput{
		Name:            "Ada Lovelace",
		GivenName:       "Ada",
		FamilyName:      "Lovelace",
		Email:           "ada@example.com",
		EmailVerifiedAt: time.Now(),
		Password:        "correct horse battery staple",
	})
	require.NoError(t, err)
	require.NotEmpty(t, user.Sub)

	got, err := s.GetUser(ctx, user.Sub)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.True(t, got.EmailVerified)

	_, err = s.GetUser(ctx, "no-such-sub")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestFindUserByEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	user, err := s.CreateUser(ctx, CreateUserInput{Name: "Ada", Email: "ada@example.com"})
	require.NoError(t, err)

	got, err := s.FindUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.Sub, got.Sub)
	assert.False(t, got.EmailVerified)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestVerifyPassword(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	user, err := s.CreateUser(ctx, CreateUserInput{
		Name:     "Ada",
		Email:    "ada@example.com",
		Password: "hunter2hunter2",
	})
	require.NoError(t, err)

	got, err := s.VerifyPassword(ctx, "ada@example.com", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, user.Sub, got.Sub)

	// Wrong password, unknown user, and passwordless account all fail with
	// the same error.
	_, err = s.VerifyPassword(ctx, "ada@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.VerifyPassword(ctx, "nobody@example.com", "hunter2hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = s.CreateUser(ctx, CreateUserInput{Name: "No Pass", Email: "nopass@example.com"})
	require.NoError(t, err)
	_, err = s.VerifyPassword(ctx, "nopass@example.com", "anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLinkProviderAccountCreatesAccount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	profile := &Profile{
		Subject:       "google-user-123",
		Email:         "user@gmail.com",
		EmailVerified: true,
		Name:          "G User",
	}

	user, err := s.LinkProviderAccount(ctx, "google", profile)
	require.NoError(t, err)
	assert.Equal(t, "user@gmail.com", user.Email)
	assert.True(t, user.EmailVerified)

	// Linking again resolves to the same account.
	again, err := s.LinkProviderAccount(ctx, "google", profile)
	require.NoError(t, err)
	assert.Equal(t, user.Sub, again.Sub)
}

func TestLinkProviderAccountAdoptsExistingEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	existing, err := s.CreateUser(ctx, CreateUserInput{
		Name:     "Ada",
		Email:    "ada@example.com",
		Password: "hunter2hunter2",
	})
	require.NoError(t, err)

	user, err := s.LinkProviderAccount(ctx, "microsoft", &Profile{
		Subject: "ms-sub-1",
		Email:   "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, existing.Sub, user.Sub, "link adopts the account owning the email")
}

func TestLinkProviderAccountWithoutEmail(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	// X does not return emails; the account is keyed by provider subject.
	user, err := s.LinkProviderAccount(ctx, "x", &Profile{
		Subject: "x-user-9",
		Name:    "xeno",
	})
	require.NoError(t, err)
	assert.Empty(t, user.Email)

	again, err := s.LinkProviderAccount(ctx, "x", &Profile{Subject: "x-user-9"})
	require.NoError(t, err)
	assert.Equal(t, user.Sub, again.Sub)

	_, err = s.LinkProviderAccount(ctx, "x", &Profile{})
	require.Error(t, err)
}
