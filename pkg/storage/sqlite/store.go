// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/stacklok/signet/pkg/logger"
	"github.com/stacklok/signet/pkg/storage"
)

// Store implements storage.Repositories using SQLite.
type Store struct {
	db *sql.DB

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval sets a custom sweep interval for expired rows.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = interval
	}
}

func newStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:            db,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s
}

var _ storage.Repositories = (*Store)(nil)

// Health reports whether the database is reachable.
func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return s.db.Close()
}

// sweepLoop periodically deletes expired rows. Queries filter on expiry
// themselves; the sweep only bounds table growth.
func (s *Store) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired(context.Background())
		}
	}
}

func (s *Store) sweepExpired(ctx context.Context) {
	now := time.Now().UnixNano()
	for _, table := range []string{"authorization_codes", "refresh_tokens", "oauth_states"} {
		if _, err := s.db.ExecContext(ctx,
			// The table name comes from the fixed list above, never from input.
			fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ?", table), now,
		); err != nil {
			logger.Warnw("failed to sweep expired rows", "table", table, "error", err)
		}
	}
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// -----------------------
// ClientStore
// -----------------------

const clientColumns = `id, name, redirect_uris, grant_types, response_types, scopes,
		token_endpoint_auth_method, secret_hash, is_active, created_at, updated_at`

// InsertClient stores a new client.
func (s *Store) InsertClient(ctx context.Context, client *storage.Client) (bool, error) {
	redirectURIs, grantTypes, responseTypes, scopes, err := encodeClientLists(client)
	if err != nil {
		return false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (`+clientColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID,
		client.Name,
		redirectURIs,
		grantTypes,
		responseTypes,
		scopes,
		client.TokenEndpointAuthMethod,
		client.SecretHash,
		boolToInt(client.IsActive),
		client.CreatedAt.UnixNano(),
		client.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting client: %w", err)
	}
	return true, nil
}

// GetClient retrieves a client by id.
func (s *Store) GetClient(ctx context.Context, id string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = ?`, id)
	client, err := scanClient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %q", storage.ErrNotFound, id)
	}
	return client, err
}

// UpdateClient replaces the stored client.
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	redirectURIs, grantTypes, responseTypes, scopes, err := encodeClientLists(client)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET
			name = ?, redirect_uris = ?, grant_types = ?, response_types = ?,
			scopes = ?, token_endpoint_auth_method = ?, secret_hash = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?`,
		client.Name,
		redirectURIs,
		grantTypes,
		responseTypes,
		scopes,
		client.TokenEndpointAuthMethod,
		client.SecretHash,
		boolToInt(client.IsActive),
		client.UpdatedAt.UnixNano(),
		client.ID,
	)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: client %q", storage.ErrNotFound, client.ID)
	}
	return nil
}

// DeleteClientIfExists removes the client, reporting whether it existed.
func (s *Store) DeleteClientIfExists(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("deleting client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying clients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating client rows: %w", err)
	}
	return clients, nil
}

func encodeClientLists(client *storage.Client) (redirectURIs, grantTypes, responseTypes, scopes string, err error) {
	if redirectURIs, err = encodeStrings(client.RedirectURIs); err != nil {
		return "", "", "", "", err
	}
	if grantTypes, err = encodeStrings(client.GrantTypes); err != nil {
		return "", "", "", "", err
	}
	if responseTypes, err = encodeStrings(client.ResponseTypes); err != nil {
		return "", "", "", "", err
	}
	if scopes, err = encodeStrings(client.Scopes); err != nil {
		return "", "", "", "", err
	}
	return redirectURIs, grantTypes, responseTypes, scopes, nil
}

func scanClient(sc scanner) (*storage.Client, error) {
	var (
		client                       storage.Client
		redirectURIs, grantTypes     string
		responseTypes, scopes        string
		isActive                     int
		createdAtNano, updatedAtNano int64
	)
	err := sc.Scan(
		&client.ID, &client.Name, &redirectURIs, &grantTypes, &responseTypes,
		&scopes, &client.TokenEndpointAuthMethod, &client.SecretHash,
		&isActive, &createdAtNano, &updatedAtNano,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning client row: %w", err)
	}

	if client.RedirectURIs, err = decodeStrings(redirectURIs); err != nil {
		return nil, err
	}
	if client.GrantTypes, err = decodeStrings(grantTypes); err != nil {
		return nil, err
	}
	if client.ResponseTypes, err = decodeStrings(responseTypes); err != nil {
		return nil, err
	}
	if client.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	client.IsActive = isActive != 0
	client.CreatedAt = time.Unix(0, createdAtNano)
	client.UpdatedAt = time.Unix(0, updatedAtNano)
	return &client, nil
}

// -----------------------
// AuthorizationCodeStore
// -----------------------

// InsertAuthorizationCode stores a new single-use code.
func (s *Store) InsertAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (bool, error) {
	scopes, err := encodeStrings(code.Scopes)
	if err != nil {
		return false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			code, client_id, redirect_uri, scopes, user_sub,
			code_challenge, code_challenge_method, nonce,
			auth_time, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code,
		code.ClientID,
		code.RedirectURI,
		scopes,
		code.UserSub,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Nonce,
		code.AuthTime.UnixNano(),
		code.CreatedAt.UnixNano(),
		code.ExpiresAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting authorization code: %w", err)
	}
	return true, nil
}

// ConsumeAuthorizationCode atomically removes and returns the code. The
// single DELETE ... RETURNING statement guarantees one winner; an expired
// row is removed but reported as not consumable.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM authorization_codes WHERE code = ?
		RETURNING code, client_id, redirect_uri, scopes, user_sub,
			code_challenge, code_challenge_method, nonce,
			auth_time, created_at, expires_at`,
		code,
	)

	var (
		ac                       storage.AuthorizationCode
		scopes                   string
		authTimeNano             int64
		createdAtNano, expiresAtNano int64
	)
	err := row.Scan(
		&ac.Code, &ac.ClientID, &ac.RedirectURI, &scopes, &ac.UserSub,
		&ac.CodeChallenge, &ac.CodeChallengeMethod, &ac.Nonce,
		&authTimeNano, &createdAtNano, &expiresAtNano,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("consuming authorization code: %w", err)
	}

	if expiresAtNano <= time.Now().UnixNano() {
		return nil, false, nil
	}

	if ac.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, false, err
	}
	ac.AuthTime = time.Unix(0, authTimeNano)
	ac.CreatedAt = time.Unix(0, createdAtNano)
	ac.ExpiresAt = time.Unix(0, expiresAtNano)
	return &ac, true, nil
}

// -----------------------
// RefreshTokenStore
// -----------------------

const refreshColumns = `token_hash, client_id, user_sub, scopes, auth_time,
		issued_at, expires_at, revoked`

// InsertRefreshToken stores a new refresh token record.
func (s *Store) InsertRefreshToken(ctx context.Context, token *storage.RefreshToken) (bool, error) {
	scopes, err := encodeStrings(token.Scopes)
	if err != nil {
		return false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (`+refreshColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TokenHash,
		token.ClientID,
		token.UserSub,
		scopes,
		token.AuthTime.UnixNano(),
		token.IssuedAt.UnixNano(),
		token.ExpiresAt.UnixNano(),
		boolToInt(token.Revoked),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting refresh token: %w", err)
	}
	return true, nil
}

// GetRefreshToken retrieves the record by token hash.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+refreshColumns+` FROM refresh_tokens WHERE token_hash = ?`, tokenHash)

	token, err := scanRefreshToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if token.ExpiresAt.UnixNano() <= time.Now().UnixNano() {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrExpired)
	}
	return token, nil
}

func scanRefreshToken(sc scanner) (*storage.RefreshToken, error) {
	var (
		token                                 storage.RefreshToken
		scopes                                string
		authTimeNano, issuedAtNano, expiresAtNano int64
		revoked                               int
	)
	err := sc.Scan(
		&token.TokenHash, &token.ClientID, &token.UserSub, &scopes,
		&authTimeNano, &issuedAtNano, &expiresAtNano, &revoked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning refresh token row: %w", err)
	}

	if token.Scopes, err = decodeStrings(scopes); err != nil {
		return nil, err
	}
	token.AuthTime = time.Unix(0, authTimeNano)
	token.IssuedAt = time.Unix(0, issuedAtNano)
	token.ExpiresAt = time.Unix(0, expiresAtNano)
	token.Revoked = revoked != 0
	return &token, nil
}

// RotateRefreshToken atomically revokes the old record and inserts the
// replacement in a single transaction. A conditional UPDATE on the live
// row decides the winner.
func (s *Store) RotateRefreshToken(ctx context.Context, oldHash string, next *storage.RefreshToken) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE token_hash = ? AND revoked = 0 AND expires_at > ?`,
		oldHash, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("revoking rotated token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	scopes, err := encodeStrings(next.Scopes)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (`+refreshColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		next.TokenHash,
		next.ClientID,
		next.UserSub,
		scopes,
		next.AuthTime.UnixNano(),
		next.IssuedAt.UnixNano(),
		next.ExpiresAt.UnixNano(),
	); err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("%w: replacement refresh token", storage.ErrAlreadyExists)
		}
		return false, fmt.Errorf("inserting replacement token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return true, nil
}

// RevokeRefreshToken marks the record revoked.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE token_hash = ? AND revoked = 0 AND expires_at > ?`,
		tokenHash, time.Now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("revoking refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// RevokeRefreshTokensIssuedAfter revokes every live record for the client
// and subject issued at or after the given instant.
func (s *Store) RevokeRefreshTokensIssuedAfter(
	ctx context.Context, clientID, userSub string, issuedAt time.Time,
) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_tokens SET revoked = 1
		WHERE client_id = ? AND user_sub = ? AND revoked = 0
		  AND issued_at >= ? AND expires_at > ?`,
		clientID, userSub, issuedAt.UnixNano(), time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("revoking refresh token chain: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(affected), nil
}

// -----------------------
// OAuthStateStore
// -----------------------

// InsertOAuthState stores a new single-use state row.
func (s *Store) InsertOAuthState(ctx context.Context, state *storage.OAuthState) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state, provider, return_to, code_verifier, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		state.State,
		state.Provider,
		state.ReturnTo,
		state.CodeVerifier,
		state.CreatedAt.UnixNano(),
		state.ExpiresAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting oauth state: %w", err)
	}
	return true, nil
}

// ConsumeOAuthState atomically removes and returns the state row.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (*storage.OAuthState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM oauth_states WHERE state = ?
		RETURNING state, provider, return_to, code_verifier, created_at, expires_at`,
		state,
	)

	var (
		st                           storage.OAuthState
		createdAtNano, expiresAtNano int64
	)
	err := row.Scan(&st.State, &st.Provider, &st.ReturnTo, &st.CodeVerifier, &createdAtNano, &expiresAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("consuming oauth state: %w", err)
	}

	if expiresAtNano <= time.Now().UnixNano() {
		return nil, false, nil
	}

	st.CreatedAt = time.Unix(0, createdAtNano)
	st.ExpiresAt = time.Unix(0, expiresAtNano)
	return &st, true, nil
}

// -----------------------
// SigningKeyStore
// -----------------------

// InsertSigningKey stores a new signing key.
func (s *Store) InsertSigningKey(ctx context.Context, key *storage.SigningKey) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signing_keys (key_id, algorithm, private_pkcs8, secret, created_at, retired_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		key.KeyID,
		key.Algorithm,
		key.PrivatePKCS8,
		key.Secret,
		key.CreatedAt.UnixNano(),
		nanoOrNull(key.RetiredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting signing key: %w", err)
	}
	return true, nil
}

// ListSigningKeys returns every key, retired included, oldest first.
func (s *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, algorithm, private_pkcs8, secret, created_at, retired_at
		FROM signing_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying signing keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*storage.SigningKey
	for rows.Next() {
		var (
			key           storage.SigningKey
			createdAtNano int64
			retiredAtNano sql.NullInt64
		)
		if err := rows.Scan(&key.KeyID, &key.Algorithm, &key.PrivatePKCS8, &key.Secret, &createdAtNano, &retiredAtNano); err != nil {
			return nil, fmt.Errorf("scanning signing key row: %w", err)
		}
		key.CreatedAt = time.Unix(0, createdAtNano)
		if retiredAtNano.Valid {
			retiredAt := time.Unix(0, retiredAtNano.Int64)
			key.RetiredAt = &retiredAt
		}
		keys = append(keys, &key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating signing key rows: %w", err)
	}
	return keys, nil
}

// RetireSigningKey stamps the key retired exactly once.
func (s *Store) RetireSigningKey(ctx context.Context, keyID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signing_keys SET retired_at = ?
		WHERE key_id = ? AND retired_at IS NULL`,
		at.UnixNano(), keyID,
	)
	if err != nil {
		return false, fmt.Errorf("retiring signing key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// -----------------------
// IdentityStore
// -----------------------

// InsertAccount stores a new account.
func (s *Store) InsertAccount(ctx context.Context, account *storage.Account) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, name, given_name, family_name, picture, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.Name,
		account.GivenName,
		account.FamilyName,
		account.Picture,
		account.PasswordHash,
		account.CreatedAt.UnixNano(),
		account.UpdatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting account: %w", err)
	}
	return true, nil
}

// GetAccount retrieves an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, given_name, family_name, picture, password_hash, created_at, updated_at
		FROM accounts WHERE id = ?`, id)

	var (
		account                      storage.Account
		createdAtNano, updatedAtNano int64
	)
	err := row.Scan(
		&account.ID, &account.Name, &account.GivenName, &account.FamilyName,
		&account.Picture, &account.PasswordHash, &createdAtNano, &updatedAtNano,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %q", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account row: %w", err)
	}
	account.CreatedAt = time.Unix(0, createdAtNano)
	account.UpdatedAt = time.Unix(0, updatedAtNano)
	return &account, nil
}

// UpdateAccount replaces the stored account.
func (s *Store) UpdateAccount(ctx context.Context, account *storage.Account) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			name = ?, given_name = ?, family_name = ?, picture = ?,
			password_hash = ?, updated_at = ?
		WHERE id = ?`,
		account.Name,
		account.GivenName,
		account.FamilyName,
		account.Picture,
		account.PasswordHash,
		account.UpdatedAt.UnixNano(),
		account.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: account %q", storage.ErrNotFound, account.ID)
	}
	return nil
}

// InsertContactMethod stores a new contact method. The UNIQUE constraint on
// (type, value) makes duplicate claims fail atomically.
func (s *Store) InsertContactMethod(ctx context.Context, contact *storage.ContactMethod) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_methods (id, account_id, contact_type, value, verified_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		contact.ID,
		contact.AccountID,
		contact.Type,
		contact.Value,
		nanoOrNull(contact.VerifiedAt),
		contact.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting contact method: %w", err)
	}
	return true, nil
}

const contactColumns = `id, account_id, contact_type, value, verified_at, created_at`

// GetContactMethod retrieves a contact method by id.
func (s *Store) GetContactMethod(ctx context.Context, id string) (*storage.ContactMethod, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contact_methods WHERE id = ?`, id)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: contact %q", storage.ErrNotFound, id)
	}
	return contact, err
}

// FindContactByValue looks a contact up by (type, value).
func (s *Store) FindContactByValue(ctx context.Context, contactType, value string) (*storage.ContactMethod, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contact_methods WHERE contact_type = ? AND value = ?`,
		contactType, value)
	contact, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: contact", storage.ErrNotFound)
	}
	return contact, err
}

// ListContactsByAccount returns the account's contact methods.
func (s *Store) ListContactsByAccount(ctx context.Context, accountID string) ([]*storage.ContactMethod, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+contactColumns+` FROM contact_methods WHERE account_id = ? ORDER BY created_at`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("querying contact methods: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var contacts []*storage.ContactMethod
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating contact rows: %w", err)
	}
	return contacts, nil
}

func scanContact(sc scanner) (*storage.ContactMethod, error) {
	var (
		contact        storage.ContactMethod
		verifiedAtNano sql.NullInt64
		createdAtNano  int64
	)
	err := sc.Scan(&contact.ID, &contact.AccountID, &contact.Type, &contact.Value, &verifiedAtNano, &createdAtNano)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning contact row: %w", err)
	}
	if verifiedAtNano.Valid {
		verifiedAt := time.Unix(0, verifiedAtNano.Int64)
		contact.VerifiedAt = &verifiedAt
	}
	contact.CreatedAt = time.Unix(0, createdAtNano)
	return &contact, nil
}

// InsertProviderAccount links an external identity to a local account.
func (s *Store) InsertProviderAccount(ctx context.Context, link *storage.ProviderAccount) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_accounts (provider, provider_subject, account_id, contact_id, linked_at)
		VALUES (?, ?, ?, ?, ?)`,
		link.Provider,
		link.ProviderSubject,
		link.AccountID,
		link.ContactID,
		link.LinkedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("inserting provider account: %w", err)
	}
	return true, nil
}

// GetProviderAccount returns the link for (provider, subject).
func (s *Store) GetProviderAccount(ctx context.Context, provider, providerSubject string) (*storage.ProviderAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT provider, provider_subject, account_id, contact_id, linked_at
		FROM provider_accounts WHERE provider = ? AND provider_subject = ?`,
		provider, providerSubject)

	var (
		link         storage.ProviderAccount
		linkedAtNano int64
	)
	err := row.Scan(&link.Provider, &link.ProviderSubject, &link.AccountID, &link.ContactID, &linkedAtNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: provider account", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider account row: %w", err)
	}
	link.LinkedAt = time.Unix(0, linkedAtNano)
	return &link, nil
}

// -----------------------
// Helpers
// -----------------------

// encodeStrings marshals a string slice to JSON for storage.
func encodeStrings(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeStrings unmarshals a JSON column into a string slice.
func decodeStrings(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nanoOrNull converts an optional time to a nullable column value.
func nanoOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// isUniqueViolation checks for a SQLite UNIQUE or PRIMARY KEY violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
