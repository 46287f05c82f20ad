// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the background cleanup runs.
const DefaultCleanupInterval = 5 * time.Minute

// timedEntry wraps a value with its creation time for TTL tracking.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Memory implements Repositories with in-memory maps. It is safe for
// concurrent use; the single mutex makes every single-use consume and the
// refresh rotation linearizable. Suitable for development and tests, and as
// the semantic reference the Redis and SQLite backends are checked against.
type Memory struct {
	mu sync.RWMutex

	clients     map[string]*Client
	authCodes   map[string]*timedEntry[*AuthorizationCode]
	refreshToks map[string]*timedEntry[*RefreshToken]
	oauthStates map[string]*timedEntry[*OAuthState]

	// signingKeys, accounts, contacts, and provider links are persistent
	// rows with no TTL; the janitor never touches them.
	signingKeys   map[string]*SigningKey
	accounts      map[string]*Account
	contacts      map[string]*ContactMethod
	contactsByVal map[string]string
	providerLinks map[string]*ProviderAccount

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryOption configures a Memory instance.
type MemoryOption func(*Memory)

// WithCleanupInterval sets a custom janitor interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		m.cleanupInterval = interval
	}
}

// NewMemory creates a Memory store with initialized maps and starts the
// background janitor.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clients:         make(map[string]*Client),
		authCodes:       make(map[string]*timedEntry[*AuthorizationCode]),
		refreshToks:     make(map[string]*timedEntry[*RefreshToken]),
		oauthStates:     make(map[string]*timedEntry[*OAuthState]),
		signingKeys:     make(map[string]*SigningKey),
		accounts:        make(map[string]*Account),
		contacts:        make(map[string]*ContactMethod),
		contactsByVal:   make(map[string]string),
		providerLinks:   make(map[string]*ProviderAccount),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	go m.cleanupLoop()

	return m
}

// Health is a no-op: in-memory storage is always available.
func (*Memory) Health(_ context.Context) error {
	return nil
}

// Close stops the janitor and waits for it to finish.
func (m *Memory) Close() error {
	close(m.stopCleanup)
	<-m.cleanupDone
	return nil
}

// cleanupLoop runs periodic cleanup of expired entries.
func (m *Memory) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries. Keys are collected under the
// read lock and deleted under the write lock to keep write lock hold time
// short.
func (m *Memory) cleanupExpired() {
	now := time.Now()

	m.mu.RLock()

	var expiredCodes []string
	for k, v := range m.authCodes {
		if v.expired(now) {
			expiredCodes = append(expiredCodes, k)
		}
	}

	var expiredRefresh []string
	for k, v := range m.refreshToks {
		if v.expired(now) {
			expiredRefresh = append(expiredRefresh, k)
		}
	}

	var expiredStates []string
	for k, v := range m.oauthStates {
		if v.expired(now) {
			expiredStates = append(expiredStates, k)
		}
	}

	m.mu.RUnlock()

	if len(expiredCodes) == 0 && len(expiredRefresh) == 0 && len(expiredStates) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range expiredCodes {
		delete(m.authCodes, k)
	}
	for _, k := range expiredRefresh {
		delete(m.refreshToks, k)
	}
	for _, k := range expiredStates {
		delete(m.oauthStates, k)
	}
}

// -----------------------
// ClientStore
// -----------------------

// InsertClient stores a new client.
func (m *Memory) InsertClient(_ context.Context, client *Client) (bool, error) {
	if client == nil || client.ID == "" {
		return false, fmt.Errorf("client id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[client.ID]; exists {
		return false, nil
	}
	m.clients[client.ID] = copyClient(client)
	return true, nil
}

// GetClient returns the client or ErrNotFound.
func (m *Memory) GetClient(_ context.Context, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[id]
	if !ok {
		return nil, fmt.Errorf("%w: client %q", ErrNotFound, id)
	}
	return copyClient(client), nil
}

// UpdateClient replaces the stored client.
func (m *Memory) UpdateClient(_ context.Context, client *Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return fmt.Errorf("%w: client %q", ErrNotFound, client.ID)
	}
	m.clients[client.ID] = copyClient(client)
	return nil
}

// DeleteClientIfExists removes the client, reporting whether it existed.
func (m *Memory) DeleteClientIfExists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[id]; !ok {
		return false, nil
	}
	delete(m.clients, id)
	return true, nil
}

// ListClients returns all clients.
func (m *Memory) ListClients(_ context.Context) ([]*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, copyClient(c))
	}
	slices.SortFunc(clients, func(a, b *Client) int {
		return strings.Compare(a.ID, b.ID)
	})
	return clients, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// InsertAuthorizationCode stores a new single-use code.
func (m *Memory) InsertAuthorizationCode(_ context.Context, code *AuthorizationCode) (bool, error) {
	if code == nil || code.Code == "" {
		return false, fmt.Errorf("authorization code cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.authCodes[code.Code]; exists {
		return false, nil
	}
	m.authCodes[code.Code] = &timedEntry[*AuthorizationCode]{
		value:     copyAuthorizationCode(code),
		createdAt: code.CreatedAt,
		expiresAt: code.ExpiresAt,
	}
	return true, nil
}

// ConsumeAuthorizationCode atomically removes and returns the code. Expired
// entries are dropped and reported as not consumable.
func (m *Memory) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.authCodes[code]
	if !ok {
		return nil, false, nil
	}
	delete(m.authCodes, code)

	if entry.expired(time.Now()) {
		return nil, false, nil
	}
	return copyAuthorizationCode(entry.value), true, nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

// InsertRefreshToken stores a new refresh token record.
func (m *Memory) InsertRefreshToken(_ context.Context, token *RefreshToken) (bool, error) {
	if token == nil || token.TokenHash == "" {
		return false, fmt.Errorf("refresh token hash cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.refreshToks[token.TokenHash]; exists {
		return false, nil
	}
	m.refreshToks[token.TokenHash] = &timedEntry[*RefreshToken]{
		value:     copyRefreshToken(token),
		createdAt: token.IssuedAt,
		expiresAt: token.ExpiresAt,
	}
	return true, nil
}

// GetRefreshToken returns the record, revoked or not. Expired records are
// reported as ErrExpired so callers can distinguish replay from expiry.
func (m *Memory) GetRefreshToken(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.refreshToks[tokenHash]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", ErrNotFound)
	}
	if entry.expired(time.Now()) {
		return nil, fmt.Errorf("%w: refresh token", ErrExpired)
	}
	return copyRefreshToken(entry.value), nil
}

// RotateRefreshToken atomically revokes the old record and inserts the
// replacement. Exactly one of two concurrent rotations of the same record
// observes true; the loser sees false with no side effects.
func (m *Memory) RotateRefreshToken(_ context.Context, oldHash string, next *RefreshToken) (bool, error) {
	if next == nil || next.TokenHash == "" {
		return false, fmt.Errorf("replacement token hash cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.refreshToks[oldHash]
	if !ok || entry.value.Revoked || entry.expired(time.Now()) {
		return false, nil
	}
	if _, exists := m.refreshToks[next.TokenHash]; exists {
		return false, fmt.Errorf("%w: replacement refresh token", ErrAlreadyExists)
	}

	entry.value.Revoked = true
	m.refreshToks[next.TokenHash] = &timedEntry[*RefreshToken]{
		value:     copyRefreshToken(next),
		createdAt: next.IssuedAt,
		expiresAt: next.ExpiresAt,
	}
	return true, nil
}

// RevokeRefreshToken marks the record revoked.
func (m *Memory) RevokeRefreshToken(_ context.Context, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.refreshToks[tokenHash]
	if !ok || entry.value.Revoked || entry.expired(time.Now()) {
		return false, nil
	}
	entry.value.Revoked = true
	return true, nil
}

// RevokeRefreshTokensIssuedAfter revokes every live record for the client
// and subject issued at or after the given instant.
func (m *Memory) RevokeRefreshTokensIssuedAfter(
	_ context.Context, clientID, userSub string, issuedAt time.Time,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	revoked := 0
	for _, entry := range m.refreshToks {
		tok := entry.value
		if tok.Revoked || entry.expired(now) {
			continue
		}
		if tok.ClientID != clientID || tok.UserSub != userSub {
			continue
		}
		if tok.IssuedAt.Before(issuedAt) {
			continue
		}
		tok.Revoked = true
		revoked++
	}
	return revoked, nil
}

// -----------------------
// OAuthStateStore
// -----------------------

// InsertOAuthState stores a new single-use state row.
func (m *Memory) InsertOAuthState(_ context.Context, state *OAuthState) (bool, error) {
	if state == nil || state.State == "" {
		return false, fmt.Errorf("state cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.oauthStates[state.State]; exists {
		return false, nil
	}
	m.oauthStates[state.State] = &timedEntry[*OAuthState]{
		value:     copyOAuthState(state),
		createdAt: state.CreatedAt,
		expiresAt: state.ExpiresAt,
	}
	return true, nil
}

// ConsumeOAuthState atomically removes and returns the state row.
func (m *Memory) ConsumeOAuthState(_ context.Context, state string) (*OAuthState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.oauthStates[state]
	if !ok {
		return nil, false, nil
	}
	delete(m.oauthStates, state)

	if entry.expired(time.Now()) {
		return nil, false, nil
	}
	return copyOAuthState(entry.value), true, nil
}

// -----------------------
// SigningKeyStore
// -----------------------

// InsertSigningKey stores a new signing key.
func (m *Memory) InsertSigningKey(_ context.Context, key *SigningKey) (bool, error) {
	if key == nil || key.KeyID == "" {
		return false, fmt.Errorf("key id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.signingKeys[key.KeyID]; exists {
		return false, nil
	}
	m.signingKeys[key.KeyID] = copySigningKey(key)
	return true, nil
}

// ListSigningKeys returns every key, retired included, oldest first.
func (m *Memory) ListSigningKeys(_ context.Context) ([]*SigningKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]*SigningKey, 0, len(m.signingKeys))
	for _, k := range m.signingKeys {
		keys = append(keys, copySigningKey(k))
	}
	slices.SortFunc(keys, func(a, b *SigningKey) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return keys, nil
}

// RetireSigningKey stamps the key retired.
func (m *Memory) RetireSigningKey(_ context.Context, keyID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.signingKeys[keyID]
	if !ok || key.RetiredAt != nil {
		return false, nil
	}
	retiredAt := at
	key.RetiredAt = &retiredAt
	return true, nil
}

// -----------------------
// IdentityStore
// -----------------------

// contactKey builds a collision-free composite key. The length prefix keeps
// the key unambiguous even when the type or value contains a colon.
func contactKey(contactType, value string) string {
	return fmt.Sprintf("%d:%s:%s", len(contactType), contactType, value)
}

// providerKey builds a collision-free composite key for provider links.
func providerKey(provider, providerSubject string) string {
	return fmt.Sprintf("%d:%s:%s", len(provider), provider, providerSubject)
}

// InsertAccount stores a new account.
func (m *Memory) InsertAccount(_ context.Context, account *Account) (bool, error) {
	if account == nil || account.ID == "" {
		return false, fmt.Errorf("account id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return false, nil
	}
	m.accounts[account.ID] = copyAccount(account)
	return true, nil
}

// GetAccount returns the account or ErrNotFound.
func (m *Memory) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %q", ErrNotFound, id)
	}
	return copyAccount(account), nil
}

// UpdateAccount replaces the stored account.
func (m *Memory) UpdateAccount(_ context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; !ok {
		return fmt.Errorf("%w: account %q", ErrNotFound, account.ID)
	}
	m.accounts[account.ID] = copyAccount(account)
	return nil
}

// InsertContactMethod stores a new contact method. The (type, value) pair is
// unique across accounts.
func (m *Memory) InsertContactMethod(_ context.Context, contact *ContactMethod) (bool, error) {
	if contact == nil || contact.ID == "" {
		return false, fmt.Errorf("contact id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contacts[contact.ID]; exists {
		return false, nil
	}
	valueKey := contactKey(contact.Type, contact.Value)
	if _, exists := m.contactsByVal[valueKey]; exists {
		return false, nil
	}
	m.contacts[contact.ID] = copyContactMethod(contact)
	m.contactsByVal[valueKey] = contact.ID
	return true, nil
}

// GetContactMethod returns the contact method or ErrNotFound.
func (m *Memory) GetContactMethod(_ context.Context, id string) (*ContactMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contact, ok := m.contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %q", ErrNotFound, id)
	}
	return copyContactMethod(contact), nil
}

// FindContactByValue looks a contact up by (type, value).
func (m *Memory) FindContactByValue(_ context.Context, contactType, value string) (*ContactMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.contactsByVal[contactKey(contactType, value)]
	if !ok {
		return nil, fmt.Errorf("%w: contact", ErrNotFound)
	}
	return copyContactMethod(m.contacts[id]), nil
}

// ListContactsByAccount returns the account's contact methods.
func (m *Memory) ListContactsByAccount(_ context.Context, accountID string) ([]*ContactMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var contacts []*ContactMethod
	for _, c := range m.contacts {
		if c.AccountID == accountID {
			contacts = append(contacts, copyContactMethod(c))
		}
	}
	slices.SortFunc(contacts, func(a, b *ContactMethod) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return contacts, nil
}

// InsertProviderAccount links an external identity to a local account.
func (m *Memory) InsertProviderAccount(_ context.Context, link *ProviderAccount) (bool, error) {
	if link == nil || link.Provider == "" || link.ProviderSubject == "" {
		return false, fmt.Errorf("provider and subject cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := providerKey(link.Provider, link.ProviderSubject)
	if _, exists := m.providerLinks[key]; exists {
		return false, nil
	}
	m.providerLinks[key] = copyProviderAccount(link)
	return true, nil
}

// GetProviderAccount returns the link for (provider, subject) or ErrNotFound.
// This is the hot path during federation callbacks.
func (m *Memory) GetProviderAccount(_ context.Context, provider, providerSubject string) (*ProviderAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, ok := m.providerLinks[providerKey(provider, providerSubject)]
	if !ok {
		return nil, fmt.Errorf("%w: provider account", ErrNotFound)
	}
	return copyProviderAccount(link), nil
}

// -----------------------
// Stats (for tests and monitoring)
// -----------------------

// Stats contains counts of stored rows.
type Stats struct {
	Clients            int
	AuthorizationCodes int
	RefreshTokens      int
	OAuthStates        int
	SigningKeys        int
	Accounts           int
	ContactMethods     int
	ProviderAccounts   int
}

// Stats returns current row counts.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Clients:            len(m.clients),
		AuthorizationCodes: len(m.authCodes),
		RefreshTokens:      len(m.refreshToks),
		OAuthStates:        len(m.oauthStates),
		SigningKeys:        len(m.signingKeys),
		Accounts:           len(m.accounts),
		ContactMethods:     len(m.contacts),
		ProviderAccounts:   len(m.providerLinks),
	}
}

// -----------------------
// Defensive copies
// -----------------------

func copyClient(c *Client) *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.ResponseTypes = slices.Clone(c.ResponseTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func copyAuthorizationCode(c *AuthorizationCode) *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

func copyRefreshToken(t *RefreshToken) *RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

func copyOAuthState(s *OAuthState) *OAuthState {
	cp := *s
	return &cp
}

func copySigningKey(k *SigningKey) *SigningKey {
	cp := *k
	cp.PrivatePKCS8 = bytes.Clone(k.PrivatePKCS8)
	cp.Secret = bytes.Clone(k.Secret)
	if k.RetiredAt != nil {
		retiredAt := *k.RetiredAt
		cp.RetiredAt = &retiredAt
	}
	return &cp
}

func copyAccount(a *Account) *Account {
	cp := *a
	return &cp
}

func copyContactMethod(c *ContactMethod) *ContactMethod {
	cp := *c
	if c.VerifiedAt != nil {
		verifiedAt := *c.VerifiedAt
		cp.VerifiedAt = &verifiedAt
	}
	return &cp
}

func copyProviderAccount(p *ProviderAccount) *ProviderAccount {
	cp := *p
	return &cp
}

// Compile-time interface compliance check
var _ Repositories = (*Memory)(nil)
