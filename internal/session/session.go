// Package session implements the ephemeral per-challenge actor.
//
// A session tracks one in-flight authentication attempt. Its id doubles as
// the protocol's challenge nonce, so ids must come from a vetted random
// source. Every operation on one session id runs through the same per-id
// serialization point, including the self-destruct timer firing, so a
// credential write and a verify call against the same session can never
// interleave.
package session

import (
	"context"
	"log"
	"time"

	"github.com/louisbranch/authn.one/internal/actor"
	"github.com/louisbranch/authn.one/internal/identity"
	"github.com/louisbranch/authn.one/internal/platform/errors"
	"github.com/louisbranch/authn.one/internal/storage"
	"github.com/louisbranch/authn.one/internal/user"
)

// State is the email-verification state of a session.
type State string

const (
	// StateNotYet means no credential has been attached.
	StateNotYet State = "notyet"
	// StateInProgress means a credential is pending email verification.
	StateInProgress State = "inprogress"
	// StateUnnecessary means an existing credential already proved
	// possession, so email gating was bypassed.
	StateUnnecessary State = "unnecessary"
	// StateSuccess means the emailed link was visited and the identity
	// committed.
	StateSuccess State = "success"
)

// Snapshot is a read-only view of a session.
type Snapshot struct {
	ID         string
	Email      string
	Origin     string
	State      State
	UserID     string
	VerifyHint bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Service owns session state and its lifecycle.
type Service struct {
	store  storage.SessionStore
	users  *user.Service
	index  *identity.Index
	exec   *actor.Exec
	timers *actor.Timers
	clock  func() time.Time
	ttl    time.Duration
}

// NewService creates a session service. Sessions self-destruct ttl after
// creation regardless of activity.
func NewService(store storage.SessionStore, users *user.Service, index *identity.Index, ttl time.Duration) *Service {
	exec := actor.NewExec()
	return &Service{
		store:  store,
		users:  users,
		index:  index,
		exec:   exec,
		timers: actor.NewTimers(exec),
		clock:  time.Now,
		ttl:    ttl,
	}
}

// Init performs the first and only initializing write for a session id and
// arms the self-destruct timer. Re-initializing an existing session is
// rejected.
func (s *Service) Init(ctx context.Context, id string, email string, origin string, verifyHint bool) error {
	var err error
	s.exec.Do(id, func() {
		if _, getErr := s.getLive(ctx, id); getErr == nil {
			err = errors.New(errors.CodeSessionAlreadyInitialized, "session already initialized")
			return
		} else if errors.CodeOf(getErr) != errors.CodeNotFound {
			err = getErr
			return
		}

		now := s.clock().UTC()
		err = s.store.PutSession(ctx, storage.Session{
			ID:          id,
			Email:       email,
			Origin:      origin,
			VerifyState: string(StateNotYet),
			VerifyHint:  verifyHint,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.ttl),
		})
		if err != nil {
			return
		}
		s.armDestroy(id)
	})
	return err
}

// AttachCredential stores a credential as pending and moves the session to
// inprogress. It reports whether this call performed the transition; the
// caller sends exactly one verification email per transition, never on
// repeats.
func (s *Service) AttachCredential(ctx context.Context, id string, credentialID string, credentialJSON []byte) (bool, error) {
	var transitioned bool
	var err error
	s.exec.Do(id, func() {
		record, getErr := s.getLive(ctx, id)
		if getErr != nil {
			err = getErr
			return
		}

		switch State(record.VerifyState) {
		case StateNotYet:
			transitioned = true
		case StateInProgress:
			transitioned = false
		default:
			err = errors.New(errors.CodeSessionVerifyUnavailable, "session no longer accepts credentials")
			return
		}

		record.VerifyState = string(StateInProgress)
		record.PendingCredentialID = credentialID
		record.PendingCredential = string(credentialJSON)
		err = s.store.PutSession(ctx, record)
	})
	if err != nil {
		return false, err
	}
	return transitioned, nil
}

// Verify commits the pending credential: it resolves or lazily creates the
// owning user through the identity index, records the verified email and the
// credential on that user, then marks the session successful.
//
// Cross-actor writes are not transactional; every downstream write is
// idempotent so Verify tolerates being called again after a partial
// completion.
func (s *Service) Verify(ctx context.Context, id string) error {
	var err error
	s.exec.Do(id, func() {
		record, getErr := s.getLive(ctx, id)
		if getErr != nil {
			err = getErr
			return
		}
		if State(record.VerifyState) == StateUnnecessary {
			err = errors.New(errors.CodeSessionVerifyUnavailable, "session did not require email verification")
			return
		}
		if record.PendingCredential == "" {
			err = errors.New(errors.CodeSessionNoPendingCred, "session has no pending credential")
			return
		}

		userID, commitErr := s.commitIdentity(ctx, record)
		if commitErr != nil {
			err = commitErr
			return
		}

		record.VerifyState = string(StateSuccess)
		record.UserID = userID
		err = s.store.PutSession(ctx, record)
	})
	return err
}

// getLive loads a session, treating a row whose deadline has passed as
// already destroyed. After a restart no in-memory timer is armed, so an
// expired row can linger until the sweeper runs; reads must not resurrect
// it. The caller must hold the id's serialization.
func (s *Service) getLive(ctx context.Context, id string) (storage.Session, error) {
	record, err := s.store.GetSession(ctx, id)
	if err != nil {
		return storage.Session{}, err
	}
	if !s.clock().UTC().Before(record.ExpiresAt) {
		s.destroyLocked(ctx, id)
		return storage.Session{}, storage.ErrNotFound
	}
	return record, nil
}

// commitIdentity resolves the owning user for the session's email, creating
// one when the email was never seen, and commits the email and pending
// credential to it.
func (s *Service) commitIdentity(ctx context.Context, record storage.Session) (string, error) {
	userID, err := s.index.LookupUser(ctx, record.Email)
	if err != nil {
		if errors.CodeOf(err) != errors.CodeNotFound {
			return "", err
		}
		created, createErr := s.users.Create(ctx)
		if createErr != nil {
			return "", createErr
		}
		// The binding is put-if-absent: a concurrent signup for the same
		// email may have won, in which case the freshly created user is
		// an orphan and the winner owns the identity.
		userID, err = s.index.BindUser(ctx, record.Email, created.ID)
		if err != nil {
			return "", err
		}
		if userID != created.ID {
			log.Printf("identity bind lost for session %s: orphan user %s, winner %s", record.ID, created.ID, userID)
		}
	}

	if err := s.users.VerifyEmail(ctx, userID, record.Email); err != nil {
		return "", err
	}
	if err := s.users.AddCredential(ctx, userID, record.Origin, record.PendingCredentialID, []byte(record.PendingCredential)); err != nil {
		return "", err
	}
	return userID, nil
}

// MarkAuthenticated records the direct-credential authentication path: a
// valid existing credential already proved possession, so email gating is
// bypassed and the state moves to unnecessary. A session that already
// reached success keeps it; state only moves forward.
func (s *Service) MarkAuthenticated(ctx context.Context, id string, userID string) error {
	var err error
	s.exec.Do(id, func() {
		record, getErr := s.getLive(ctx, id)
		if getErr != nil {
			err = getErr
			return
		}
		// success is terminal; a replayed authenticate must not step the
		// state backward.
		if State(record.VerifyState) == StateSuccess {
			return
		}
		record.VerifyState = string(StateUnnecessary)
		record.UserID = userID
		err = s.store.PutSession(ctx, record)
	})
	return err
}

// Info returns a read-only snapshot. A session that was never initialized or
// has been destroyed reports storage.ErrNotFound.
func (s *Service) Info(ctx context.Context, id string) (Snapshot, error) {
	var snapshot Snapshot
	var err error
	s.exec.Do(id, func() {
		record, getErr := s.getLive(ctx, id)
		if getErr != nil {
			err = getErr
			return
		}
		snapshot = toSnapshot(record)
	})
	return snapshot, err
}

// Consume returns the full snapshot and destroys the session in the same
// serialized section, making the read at-most-once: a second Consume for the
// same id finds nothing.
func (s *Service) Consume(ctx context.Context, id string) (Snapshot, error) {
	var snapshot Snapshot
	var err error
	s.exec.Do(id, func() {
		record, getErr := s.getLive(ctx, id)
		if getErr != nil {
			err = getErr
			return
		}
		snapshot = toSnapshot(record)
		s.destroyLocked(ctx, id)
	})
	return snapshot, err
}

// Destroy wipes the session without returning data; used for poll-miss
// cleanup. Destroying an unknown id is not an error.
func (s *Service) Destroy(ctx context.Context, id string) error {
	s.exec.Do(id, func() {
		s.destroyLocked(ctx, id)
	})
	return nil
}

// Authenticated reports whether a snapshot represents a completed
// authentication.
func (snap Snapshot) Authenticated() bool {
	if snap.UserID == "" {
		return false
	}
	return snap.State == StateSuccess || snap.State == StateUnnecessary
}

// Sweep removes sessions whose deadline passed while no in-memory timer was
// armed, which happens after a process restart.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredSessions(ctx, s.clock().UTC())
}

// armDestroy schedules the one-shot wipe. The timer is armed exactly once at
// creation and never extended; firing runs through the id's serialization.
func (s *Service) armDestroy(id string) {
	s.timers.Arm(id, s.ttl, func() {
		s.wipe(id)
	})
}

// destroyLocked collapses the pending timer to "now". The caller already
// holds the id's serialization, so the wipe runs inline. When no timer is
// armed (after a restart) the wipe still happens.
func (s *Service) destroyLocked(ctx context.Context, id string) {
	if !s.timers.Fire(id) {
		s.wipe(id)
	}
}

// wipe unconditionally deletes all persisted state for the id, regardless of
// the session's logical state.
func (s *Service) wipe(id string) {
	if err := s.store.DeleteSession(context.Background(), id); err != nil {
		log.Printf("wipe session %s: %v", id, err)
	}
}

func toSnapshot(record storage.Session) Snapshot {
	return Snapshot{
		ID:         record.ID,
		Email:      record.Email,
		Origin:     record.Origin,
		State:      State(record.VerifyState),
		UserID:     record.UserID,
		VerifyHint: record.VerifyHint,
		CreatedAt:  record.CreatedAt,
		ExpiresAt:  record.ExpiresAt,
	}
}
