// Package user implements the durable per-user identity actor.
//
// A user is the single source of truth for a person's verified emails and
// origin-scoped credentials. Users are created lazily on first successful
// email verification and never deleted. All writes are idempotent so
// cross-actor sequences that crash partway can safely be replayed.
package user

import (
	"context"
	"time"

	"github.com/louisbranch/authn.one/internal/actor"
	"github.com/louisbranch/authn.one/internal/platform/id"
	"github.com/louisbranch/authn.one/internal/storage"
)

// Service owns user identity state. Operations addressed to the same user id
// execute strictly one at a time.
type Service struct {
	store storage.UserStore
	exec  *actor.Exec
	clock func() time.Time
}

// NewService creates a user service over the given store.
func NewService(store storage.UserStore) *Service {
	return &Service{
		store: store,
		exec:  actor.NewExec(),
		clock: time.Now,
	}
}

// Info is a read-only snapshot of a user, with credentials scoped to one
// origin.
type Info struct {
	ID          string
	Emails      []storage.UserEmail
	Credentials []storage.UserCredential
	CreatedAt   time.Time
}

// Create provisions a new user with a fresh id. The user carries no emails
// or credentials until a verification commits them.
func (s *Service) Create(ctx context.Context) (storage.User, error) {
	userID, err := id.NewID()
	if err != nil {
		return storage.User{}, err
	}
	record := storage.User{ID: userID, CreatedAt: s.clock().UTC()}
	if err := s.store.PutUser(ctx, record); err != nil {
		return storage.User{}, err
	}
	return record, nil
}

// VerifyEmail records that the user proved ownership of an email address.
// The first email ever added becomes primary. Calling it again for the same
// address neither duplicates the entry nor moves the verification timestamp.
func (s *Service) VerifyEmail(ctx context.Context, userID string, email string) error {
	var err error
	s.exec.Do(userID, func() {
		err = s.verifyEmail(ctx, userID, email)
	})
	return err
}

func (s *Service) verifyEmail(ctx context.Context, userID string, email string) error {
	emails, err := s.store.ListUserEmails(ctx, userID)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	for _, entry := range emails {
		if entry.Email != email {
			continue
		}
		if entry.VerifiedAt != nil {
			return nil
		}
		entry.VerifiedAt = &now
		entry.UpdatedAt = now
		return s.store.PutUserEmail(ctx, entry)
	}

	return s.store.PutUserEmail(ctx, storage.UserEmail{
		UserID:     userID,
		Email:      email,
		Primary:    len(emails) == 0,
		VerifiedAt: &now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

// AddCredential appends an origin-scoped credential, deduplicated by
// credential id within that origin. Re-adding an existing id refreshes the
// stored credential payload (sign counters advance) but never grows the list.
func (s *Service) AddCredential(ctx context.Context, userID string, origin string, credentialID string, credentialJSON []byte) error {
	var err error
	s.exec.Do(userID, func() {
		err = s.addCredential(ctx, userID, origin, credentialID, credentialJSON)
	})
	return err
}

func (s *Service) addCredential(ctx context.Context, userID string, origin string, credentialID string, credentialJSON []byte) error {
	existing, err := s.store.ListUserCredentials(ctx, userID, origin)
	if err != nil {
		return err
	}

	now := s.clock().UTC()
	createdAt := now
	for _, credential := range existing {
		if credential.CredentialID == credentialID {
			createdAt = credential.CreatedAt
			break
		}
	}
	return s.store.PutUserCredential(ctx, storage.UserCredential{
		UserID:         userID,
		Origin:         origin,
		CredentialID:   credentialID,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	})
}

// Get returns the bare user record, or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string) (storage.User, error) {
	return s.store.GetUser(ctx, userID)
}

// Info returns the user's emails and the credentials registered for origin.
// An empty origin yields an empty credential list. A user that was never
// initialized reports storage.ErrNotFound.
func (s *Service) Info(ctx context.Context, userID string, origin string) (Info, error) {
	record, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return Info{}, err
	}

	emails, err := s.store.ListUserEmails(ctx, userID)
	if err != nil {
		return Info{}, err
	}

	var credentials []storage.UserCredential
	if origin != "" {
		credentials, err = s.store.ListUserCredentials(ctx, userID, origin)
		if err != nil {
			return Info{}, err
		}
	}

	return Info{
		ID:          record.ID,
		Emails:      emails,
		Credentials: credentials,
		CreatedAt:   record.CreatedAt,
	}, nil
}

// EmailVerified reports whether the user has verified the given address.
func EmailVerified(info Info, email string) bool {
	for _, entry := range info.Emails {
		if entry.Email == email {
			return entry.VerifiedAt != nil
		}
	}
	return false
}
