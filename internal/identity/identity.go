// Package identity maintains the email-to-user index and one-shot
// verification tokens.
//
// The index is the only store touched by more than one actor kind; every
// access goes through atomic get/put operations on the backing store. Email
// addresses are never stored directly, only a one-way hash.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/louisbranch/authn.one/internal/platform/errors"
	"github.com/louisbranch/authn.one/internal/storage"
)

// Index resolves email addresses to user ids and verification tokens to
// session ids.
type Index struct {
	store storage.IndexStore
	clock func() time.Time
}

// NewIndex creates an index over the given store.
func NewIndex(store storage.IndexStore) *Index {
	return &Index{store: store, clock: time.Now}
}

// EmailHash returns the one-way hash used as the index key for an email
// address. Addresses are normalized to lower case first.
func EmailHash(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// LookupUser returns the user id bound to an email, or storage.ErrNotFound.
func (ix *Index) LookupUser(ctx context.Context, email string) (string, error) {
	return ix.store.LookupEmailUser(ctx, EmailHash(email))
}

// BindUser binds an email to a user id unless the email is already bound,
// and returns the user id that owns the binding. Two concurrent first-time
// signups for the same email converge on whichever binding landed first; the
// loser's provisional user becomes an orphan.
func (ix *Index) BindUser(ctx context.Context, email string, userID string) (string, error) {
	return ix.store.BindEmailUser(ctx, EmailHash(email), userID)
}

// CreateToken mints a one-shot verification token for a session.
func (ix *Index) CreateToken(ctx context.Context, sessionID string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := ix.clock().UTC()
	err := ix.store.PutVerificationToken(ctx, storage.VerificationToken{
		Token:     token,
		SessionID: sessionID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// RedeemToken resolves a verification token to its session id and deletes it.
// A token can be redeemed at most once; expired or already-redeemed tokens
// report CodeTokenInvalid.
func (ix *Index) RedeemToken(ctx context.Context, token string) (string, error) {
	record, err := ix.store.GetVerificationToken(ctx, token)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return "", errors.New(errors.CodeTokenInvalid, "verification token unknown or already used")
		}
		return "", err
	}

	// Delete before acting so a concurrent redemption cannot reuse it.
	if err := ix.store.DeleteVerificationToken(ctx, token); err != nil {
		return "", err
	}
	if ix.clock().UTC().After(record.ExpiresAt) {
		return "", errors.New(errors.CodeTokenInvalid, "verification token expired")
	}
	return record.SessionID, nil
}

// Sweep removes expired verification tokens and reports how many were
// deleted.
func (ix *Index) Sweep(ctx context.Context) (int64, error) {
	return ix.store.DeleteExpiredVerificationTokens(ctx, ix.clock().UTC())
}
