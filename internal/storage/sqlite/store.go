// Package sqlite implements the storage interfaces over a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/authn.one/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/authn.one/internal/storage"
	"github.com/louisbranch/authn.one/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements session, user, and identity index persistence.
//
// A single SQLite file backs all identity state so every flow shares the same
// transaction and visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutSession inserts or replaces a session row.
func (s *Store) PutSession(ctx context.Context, session storage.Session) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions
		(id, email, origin, verify_state, pending_credential_id, pending_credential, user_id, verify_hint, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			origin = excluded.origin,
			verify_state = excluded.verify_state,
			pending_credential_id = excluded.pending_credential_id,
			pending_credential = excluded.pending_credential,
			user_id = excluded.user_id,
			verify_hint = excluded.verify_hint,
			expires_at = excluded.expires_at`,
		session.ID, session.Email, session.Origin, session.VerifyState,
		session.PendingCredentialID, session.PendingCredential, session.UserID,
		boolToInt(session.VerifyHint), toMillis(session.CreatedAt), toMillis(session.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession returns a session row, or storage.ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (storage.Session, error) {
	var session storage.Session
	var verifyHint int64
	var createdAt, expiresAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, email, origin, verify_state, pending_credential_id, pending_credential, user_id, verify_hint, created_at, expires_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.Email, &session.Origin, &session.VerifyState,
		&session.PendingCredentialID, &session.PendingCredential, &session.UserID,
		&verifyHint, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Session{}, storage.ErrNotFound
		}
		return storage.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.VerifyHint = verifyHint != 0
	session.CreatedAt = fromMillis(createdAt)
	session.ExpiresAt = fromMillis(expiresAt)
	return session, nil
}

// DeleteSession wipes a session row. Deleting a missing row is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes sessions whose deadline passed.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

// PutUser inserts a user row. Existing rows keep their created_at.
func (s *Store) PutUser(ctx context.Context, u storage.User) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (id, created_at) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		u.ID, toMillis(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetUser returns a user row, or storage.ErrNotFound.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	var u storage.User
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, created_at FROM users WHERE id = ?`, userID,
	).Scan(&u.ID, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMillis(createdAt)
	return u, nil
}

// PutUserEmail inserts or updates an email entry for a user.
func (s *Store) PutUserEmail(ctx context.Context, email storage.UserEmail) error {
	var verifiedAt any
	if email.VerifiedAt != nil {
		verifiedAt = toMillis(*email.VerifiedAt)
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_emails (user_id, email, is_primary, verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, email) DO UPDATE SET
			verified_at = excluded.verified_at,
			updated_at = excluded.updated_at`,
		email.UserID, email.Email, boolToInt(email.Primary), verifiedAt,
		toMillis(email.CreatedAt), toMillis(email.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put user email: %w", err)
	}
	return nil
}

// ListUserEmails returns the email entries for a user, primary first.
func (s *Store) ListUserEmails(ctx context.Context, userID string) ([]storage.UserEmail, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, email, is_primary, verified_at, created_at, updated_at
		FROM user_emails WHERE user_id = ?
		ORDER BY is_primary DESC, created_at ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list user emails: %w", err)
	}
	defer rows.Close()

	var emails []storage.UserEmail
	for rows.Next() {
		var email storage.UserEmail
		var isPrimary int64
		var verifiedAt sql.NullInt64
		var createdAt, updatedAt int64
		if err := rows.Scan(&email.UserID, &email.Email, &isPrimary, &verifiedAt, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user email: %w", err)
		}
		email.Primary = isPrimary != 0
		if verifiedAt.Valid {
			value := fromMillis(verifiedAt.Int64)
			email.VerifiedAt = &value
		}
		email.CreatedAt = fromMillis(createdAt)
		email.UpdatedAt = fromMillis(updatedAt)
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// PutUserCredential inserts or updates an origin-scoped credential.
func (s *Store) PutUserCredential(ctx context.Context, credential storage.UserCredential) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO user_credentials (user_id, origin, credential_id, credential_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, origin, credential_id) DO UPDATE SET
			credential_json = excluded.credential_json,
			updated_at = excluded.updated_at`,
		credential.UserID, credential.Origin, credential.CredentialID,
		credential.CredentialJSON, toMillis(credential.CreatedAt), toMillis(credential.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put user credential: %w", err)
	}
	return nil
}

// ListUserCredentials returns a user's credentials scoped to one origin.
func (s *Store) ListUserCredentials(ctx context.Context, userID string, origin string) ([]storage.UserCredential, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT user_id, origin, credential_id, credential_json, created_at, updated_at
		FROM user_credentials WHERE user_id = ? AND origin = ?
		ORDER BY created_at ASC`, userID, origin,
	)
	if err != nil {
		return nil, fmt.Errorf("list user credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.UserCredential
	for rows.Next() {
		var credential storage.UserCredential
		var createdAt, updatedAt int64
		if err := rows.Scan(&credential.UserID, &credential.Origin, &credential.CredentialID,
			&credential.CredentialJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan user credential: %w", err)
		}
		credential.CreatedAt = fromMillis(createdAt)
		credential.UpdatedAt = fromMillis(updatedAt)
		credentials = append(credentials, credential)
	}
	return credentials, rows.Err()
}

// BindEmailUser associates an email hash with a user id if no binding exists
// and returns the winning user id. Concurrent first-time signups converge on
// whichever insert landed first.
func (s *Store) BindEmailUser(ctx context.Context, emailHash string, userID string) (string, error) {
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO identity_index (email_hash, user_id) VALUES (?, ?)
		ON CONFLICT(email_hash) DO NOTHING`,
		emailHash, userID,
	); err != nil {
		return "", fmt.Errorf("bind email user: %w", err)
	}
	return s.LookupEmailUser(ctx, emailHash)
}

// LookupEmailUser returns the user id bound to an email hash.
func (s *Store) LookupEmailUser(ctx context.Context, emailHash string) (string, error) {
	var userID string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT user_id FROM identity_index WHERE email_hash = ?`, emailHash,
	).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("lookup email user: %w", err)
	}
	return userID, nil
}

// PutVerificationToken stores a one-shot verification token.
func (s *Store) PutVerificationToken(ctx context.Context, token storage.VerificationToken) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO verification_tokens (token, session_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		token.Token, token.SessionID, toMillis(token.CreatedAt), toMillis(token.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("put verification token: %w", err)
	}
	return nil
}

// GetVerificationToken returns a token row, or storage.ErrNotFound.
func (s *Store) GetVerificationToken(ctx context.Context, token string) (storage.VerificationToken, error) {
	var record storage.VerificationToken
	var createdAt, expiresAt int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT token, session_id, created_at, expires_at FROM verification_tokens WHERE token = ?`, token,
	).Scan(&record.Token, &record.SessionID, &createdAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.VerificationToken{}, storage.ErrNotFound
		}
		return storage.VerificationToken{}, fmt.Errorf("get verification token: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.ExpiresAt = fromMillis(expiresAt)
	return record, nil
}

// DeleteVerificationToken removes a token row.
func (s *Store) DeleteVerificationToken(ctx context.Context, token string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM verification_tokens WHERE token = ?`, token); err != nil {
		return fmt.Errorf("delete verification token: %w", err)
	}
	return nil
}

// DeleteExpiredVerificationTokens removes tokens whose TTL passed.
func (s *Store) DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.sqlDB.ExecContext(ctx, `DELETE FROM verification_tokens WHERE expires_at <= ?`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired verification tokens: %w", err)
	}
	return result.RowsAffected()
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
