// Package storage defines persistence interfaces for the sign-in service.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/authn.one/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// Session is one in-flight authentication attempt. The row id doubles as the
// protocol's challenge nonce. A deleted row is a destroyed session.
type Session struct {
	ID                  string
	Email               string
	Origin              string
	VerifyState         string
	PendingCredentialID string
	PendingCredential   string // webauthn credential JSON, empty when none
	UserID              string
	VerifyHint          bool
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// SessionStore persists session records.
type SessionStore interface {
	PutSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// User is a durable identity record.
type User struct {
	ID        string
	CreatedAt time.Time
}

// UserEmail stores an email address tied to a user.
type UserEmail struct {
	UserID     string
	Email      string
	Primary    bool
	VerifiedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UserCredential stores an origin-scoped public-key credential for a user.
type UserCredential struct {
	UserID         string
	Origin         string
	CredentialID   string
	CredentialJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserStore persists user identity records.
type UserStore interface {
	PutUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, userID string) (User, error)
	PutUserEmail(ctx context.Context, email UserEmail) error
	ListUserEmails(ctx context.Context, userID string) ([]UserEmail, error)
	PutUserCredential(ctx context.Context, credential UserCredential) error
	ListUserCredentials(ctx context.Context, userID string, origin string) ([]UserCredential, error)
}

// VerificationToken maps a one-shot emailed token to a session.
type VerificationToken struct {
	Token     string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IndexStore persists the identity index: the durable email-hash to user
// mapping plus short-lived verification tokens.
type IndexStore interface {
	// BindEmailUser associates emailHash with userID unless a binding
	// already exists, and returns the user id that won the binding.
	BindEmailUser(ctx context.Context, emailHash string, userID string) (string, error)
	LookupEmailUser(ctx context.Context, emailHash string) (string, error)
	PutVerificationToken(ctx context.Context, token VerificationToken) error
	GetVerificationToken(ctx context.Context, token string) (VerificationToken, error)
	DeleteVerificationToken(ctx context.Context, token string) error
	DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) (int64, error)
}
