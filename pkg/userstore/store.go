// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/stacklok/signet/pkg/storage"
)

// Store is the repository-backed UserStore.
type Store struct {
	identities storage.IdentityStore
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New builds a Store over the identity repository.
func New(identities storage.IdentityStore, opts ...Option) *Store {
	s := &Store{
		identities: identities,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUser implements UserStore.
func (s *Store) GetUser(ctx context.Context, sub string) (*User, error) {
	account, err := s.identities.GetAccount(ctx, sub)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return s.userFromAccount(ctx, account)
}

// FindUserByEmail implements UserStore.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	contact, err := s.identities.FindContactByValue(ctx, storage.ContactTypeEmail, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to look up contact: %w", err)
	}
	return s.GetUser(ctx, contact.AccountID)
}

// VerifyPassword implements UserStore. Unknown users burn a bcrypt comparison
// against a fixed hash so the response timing does not reveal whether the
// email exists.
func (s *Store) VerifyPassword(ctx context.Context, email, password string) (*User, error) {
	contact, err := s.identities.FindContactByValue(ctx, storage.ContactTypeEmail, email)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	account, err := s.identities.GetAccount(ctx, contact.AccountID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}

	if account.PasswordHash == "" {
		_ = bcrypt.CompareHashAndPassword(decoyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.userFromAccount(ctx, account)
}

// decoyHash is a bcrypt hash of an unguessable value, compared against when
// the account lookup fails.
var decoyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// CreateUser implements UserStore.
func (s *Store) CreateUser(ctx context.Context, input CreateUserInput) (*User, error) {
	now := s.now()

	account := &storage.Account{
		ID:         uuid.NewString(),
		Name:       input.Name,
		GivenName:  input.GivenName,
		FamilyName: input.FamilyName,
		Picture:    input.Picture,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if input.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		account.PasswordHash = string(hash)
	}

	applied, err := s.identities.InsertAccount(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	if !applied {
		return nil, storage.ErrAlreadyExists
	}

	if input.Email != "" {
		contact := &storage.ContactMethod{
			ID:        uuid.NewString(),
			AccountID: account.ID,
			Type:      storage.ContactTypeEmail,
			Value:     input.Email,
			CreatedAt: now,
		}
		if !input.EmailVerifiedAt.IsZero() {
			at := input.EmailVerifiedAt
			contact.VerifiedAt = &at
		}
		if _, err := s.identities.InsertContactMethod(ctx, contact); err != nil {
			return nil, fmt.Errorf("failed to create contact: %w", err)
		}
	}

	return s.userFromAccount(ctx, account)
}

// LinkProviderAccount implements UserStore. The upsert order matters: an
// existing link wins outright, then an account matching the profile email is
// adopted, and only then is a fresh account created.
func (s *Store) LinkProviderAccount(ctx context.Context, provider string, profile *Profile) (*User, error) {
	if profile == nil || profile.Subject == "" {
		return nil, errors.New("provider profile subject is required")
	}

	link, err := s.identities.GetProviderAccount(ctx, provider, profile.Subject)
	if err == nil {
		return s.GetUser(ctx, link.AccountID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up provider link: %w", err)
	}

	accountID, contactID, err := s.findOrCreateByProfile(ctx, provider, profile)
	if err != nil {
		return nil, err
	}

	applied, err := s.identities.InsertProviderAccount(ctx, &storage.ProviderAccount{
		Provider:        provider,
		ProviderSubject: profile.Subject,
		AccountID:       accountID,
		ContactID:       contactID,
		LinkedAt:        s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to link provider account: %w", err)
	}
	if !applied {
		// Concurrent callback already linked it; follow the winner.
		link, err = s.identities.GetProviderAccount(ctx, provider, profile.Subject)
		if err != nil {
			return nil, fmt.Errorf("failed to load provider link: %w", err)
		}
		accountID = link.AccountID
	}

	return s.GetUser(ctx, accountID)
}

func (s *Store) findOrCreateByProfile(ctx context.Context, provider string, profile *Profile) (string, string, error) {
	if profile.Email != "" {
		contact, err := s.identities.FindContactByValue(ctx, storage.ContactTypeEmail, profile.Email)
		if err == nil {
			return contact.AccountID, contact.ID, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", "", fmt.Errorf("failed to look up contact: %w", err)
		}
	}

	input := CreateUserInput{
		Name:       profile.Name,
		GivenName:  profile.GivenName,
		FamilyName: profile.FamilyName,
		Picture:    profile.Picture,
		Email:      profile.Email,
	}
	if profile.EmailVerified {
		input.EmailVerifiedAt = s.now()
	}
	user, err := s.CreateUser(ctx, input)
	if err != nil {
		return "", "", fmt.Errorf("failed to create account for %s login: %w", provider, err)
	}

	contactID := ""
	if profile.Email != "" {
		contact, err := s.identities.FindContactByValue(ctx, storage.ContactTypeEmail, profile.Email)
		if err == nil {
			contactID = contact.ID
		}
	}
	return user.Sub, contactID, nil
}

func (s *Store) userFromAccount(ctx context.Context, account *storage.Account) (*User, error) {
	user := &User{
		Sub:        account.ID,
		Name:       account.Name,
		GivenName:  account.GivenName,
		FamilyName: account.FamilyName,
		Picture:    account.Picture,
	}

	contacts, err := s.identities.ListContactsByAccount(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	for _, contact := range contacts {
		if contact.Type != storage.ContactTypeEmail {
			continue
		}
		// Prefer a verified email over an unverified one.
		if user.Email == "" || (!user.EmailVerified && contact.VerifiedAt != nil) {
			user.Email = contact.Value
			user.EmailVerified = contact.VerifiedAt != nil
		}
	}
	return user, nil
}

var _ UserStore = (*Store)(nil)
