// Package web exposes the sign-in protocol over HTTP. It is the only
// component aware of the full flow: it validates requests, sequences calls
// into the session and user services, delegates proof checking to the
// verifier and triggers email notification.
package web

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log"
	"net/http"
	"net/mail"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/louisbranch/authn.one/internal/email"
	"github.com/louisbranch/authn.one/internal/identity"
	"github.com/louisbranch/authn.one/internal/metrics"
	"github.com/louisbranch/authn.one/internal/platform/errors"
	"github.com/louisbranch/authn.one/internal/platform/id"
	"github.com/louisbranch/authn.one/internal/session"
	"github.com/louisbranch/authn.one/internal/user"
	"github.com/louisbranch/authn.one/internal/verifier"
)

// Handler serves the sign-in protocol endpoints.
type Handler struct {
	sessions     *session.Service
	users        *user.Service
	index        *identity.Index
	verifier     verifier.Verifier
	verification *email.Verification
	metrics      metrics.Recorder
}

// NewHandler wires the protocol endpoints to their collaborators.
func NewHandler(sessions *session.Service, users *user.Service, index *identity.Index, v verifier.Verifier, verification *email.Verification, recorder metrics.Recorder) *Handler {
	return &Handler{
		sessions:     sessions,
		users:        users,
		index:        index,
		verifier:     v,
		verification: verification,
		metrics:      recorder,
	}
}

type challengeRequest struct {
	Email string `json:"email"`
}

type challengeResponse struct {
	Challenge     string   `json:"challenge"`
	CredentialIDs []string `json:"credentialIDs"`
}

// Challenge opens a sign-in attempt. It resolves any verified user for the
// email so the widget knows which credentials it may assert with, mints a
// fresh challenge id and initializes the session bound to the caller's
// origin.
//
// POST /challenge
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeRequestInvalid, "decode request body", err))
		return
	}

	address := strings.TrimSpace(strings.ToLower(req.Email))
	if address == "" {
		writeError(w, errors.New(errors.CodeChallengeEmailEmpty, "email is required"))
		return
	}
	if _, err := mail.ParseAddress(address); err != nil {
		writeError(w, errors.Wrap(errors.CodeChallengeEmailInvalid, "parse email", err))
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		writeError(w, errors.New(errors.CodeChallengeOriginMissing, "origin header is required"))
		return
	}

	credentialIDs := make([]string, 0)
	verifyHint := false
	if userID, err := h.index.LookupUser(ctx, address); err == nil {
		info, infoErr := h.users.Info(ctx, userID, origin)
		if infoErr != nil && errors.CodeOf(infoErr) != errors.CodeNotFound {
			writeError(w, infoErr)
			return
		}
		if infoErr == nil {
			verifyHint = user.EmailVerified(info, address)
			for _, credential := range info.Credentials {
				credentialIDs = append(credentialIDs, credential.CredentialID)
			}
		}
	} else if errors.CodeOf(err) != errors.CodeNotFound {
		writeError(w, err)
		return
	}

	challengeID, err := id.NewID()
	if err != nil {
		writeError(w, errors.Wrap(errors.CodeInternal, "mint challenge id", err))
		return
	}

	if err := h.sessions.Init(ctx, challengeID, address, origin, verifyHint); err != nil {
		writeError(w, err)
		return
	}

	h.metrics.RecordChallengeIssued()
	writeJSON(w, http.StatusOK, challengeResponse{
		Challenge:     challengeID,
		CredentialIDs: credentialIDs,
	})
}

type registerRequest struct {
	Challenge    string          `json:"challenge"`
	Registration json.RawMessage `json:"registration"`
}

// Register validates a credential-creation proof against the session's
// stored challenge and origin. A verified email takes the fast path and
// commits the credential immediately; otherwise the credential parks on the
// session until the emailed link is visited.
//
// POST /register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeRequestInvalid, "decode request body", err))
		return
	}

	snap, err := h.sessions.Info(ctx, req.Challenge)
	if err != nil {
		h.metrics.RecordRegistration(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}

	// The binding check runs before the verifier on purpose: a proof that
	// is valid for the challenge but presented from another origin must
	// fail regardless of its cryptographic validity.
	if r.Header.Get("Origin") != snap.Origin {
		h.metrics.RecordRegistration(metrics.OutcomeRejected)
		writeError(w, errors.New(errors.CodeSessionOriginMismatch, "origin does not match challenge"))
		return
	}

	// Expectations come from the session's stored values, never from the
	// request, so a tampered body cannot substitute them.
	credential, err := h.verifier.VerifyRegistration(req.Registration, verifier.Expected{
		Challenge: snap.ID,
		Origin:    snap.Origin,
		Email:     snap.Email,
	})
	if err != nil {
		h.metrics.RecordRegistration(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}

	if snap.VerifyHint {
		if err := h.registerVerified(r.Context(), snap, credential); err != nil {
			h.metrics.RecordRegistration(metrics.OutcomeRejected)
			writeError(w, err)
			return
		}
	} else {
		transitioned, err := h.sessions.AttachCredential(ctx, snap.ID, credential.ID, credential.JSON)
		if err != nil {
			h.metrics.RecordRegistration(metrics.OutcomeRejected)
			writeError(w, err)
			return
		}
		if transitioned {
			h.verification.Request(ctx, snap.ID, snap.Email)
			h.metrics.RecordVerificationEmail()
		}
	}

	h.metrics.RecordRegistration(metrics.OutcomeOK)
	w.WriteHeader(http.StatusNoContent)
}

// registerVerified is the fast path for an email that already proved
// ownership: the new credential commits straight to the user and the session
// skips email gating.
func (h *Handler) registerVerified(ctx context.Context, snap session.Snapshot, credential verifier.Credential) error {
	userID, err := h.index.LookupUser(ctx, snap.Email)
	if err != nil {
		return err
	}
	if err := h.users.AddCredential(ctx, userID, snap.Origin, credential.ID, credential.JSON); err != nil {
		return err
	}
	return h.sessions.MarkAuthenticated(ctx, snap.ID, userID)
}

type authenticateRequest struct {
	Challenge      string          `json:"challenge"`
	Authentication json.RawMessage `json:"authentication"`
}

// Authenticate validates an assertion from an existing credential. The
// credential must belong to the verified user the session's email resolves
// to, within the session's origin. Absence of either is a 401, not a 404,
// so responses do not reveal whether a credential exists.
//
// POST /authenticate
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Wrap(errors.CodeRequestInvalid, "decode request body", err))
		return
	}

	snap, err := h.sessions.Info(ctx, req.Challenge)
	if err != nil {
		h.metrics.RecordAuthentication(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}

	if r.Header.Get("Origin") != snap.Origin {
		h.metrics.RecordAuthentication(metrics.OutcomeRejected)
		writeError(w, errors.New(errors.CodeSessionOriginMismatch, "origin does not match challenge"))
		return
	}

	userID, stored, err := h.resolveCredential(r, snap, req.Authentication)
	if err != nil {
		h.metrics.RecordAuthentication(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}

	credential, err := h.verifier.VerifyAuthentication(req.Authentication, stored, verifier.Expected{
		Challenge: snap.ID,
		Origin:    snap.Origin,
		Email:     snap.Email,
	})
	if err != nil {
		h.metrics.RecordAuthentication(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}

	// Write back the advanced sign count so a cloned authenticator is
	// caught on its next assertion.
	if err := h.users.AddCredential(ctx, userID, snap.Origin, credential.ID, credential.JSON); err != nil {
		h.metrics.RecordAuthentication(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}
	if err := h.sessions.MarkAuthenticated(ctx, snap.ID, userID); err != nil {
		h.metrics.RecordAuthentication(metrics.OutcomeRejected)
		writeError(w, err)
		return
	}

	h.metrics.RecordAuthentication(metrics.OutcomeOK)
	w.WriteHeader(http.StatusNoContent)
}

// resolveCredential maps the session's email to its verified user and picks
// the stored credential the assertion claims to come from.
func (h *Handler) resolveCredential(r *http.Request, snap session.Snapshot, proof json.RawMessage) (string, []byte, error) {
	ctx := r.Context()

	userID, err := h.index.LookupUser(ctx, snap.Email)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return "", nil, errors.New(errors.CodeUserCredentialUnknown, "credential not recognized")
		}
		return "", nil, err
	}

	info, err := h.users.Info(ctx, userID, snap.Origin)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeNotFound {
			return "", nil, errors.New(errors.CodeUserCredentialUnknown, "credential not recognized")
		}
		return "", nil, err
	}
	if !user.EmailVerified(info, snap.Email) {
		return "", nil, errors.New(errors.CodeUserNotVerified, "email is not verified")
	}

	var claim struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(proof, &claim); err != nil || claim.ID == "" {
		return "", nil, errors.New(errors.CodeVerifierRejected, "assertion is missing a credential id")
	}

	for _, credential := range info.Credentials {
		if credential.CredentialID == claim.ID {
			return userID, []byte(credential.CredentialJSON), nil
		}
	}
	return "", nil, errors.New(errors.CodeUserCredentialUnknown, "credential not recognized")
}

type checkResponse struct {
	Authenticated bool   `json:"authenticated"`
	Origin        string `json:"origin,omitempty"`
	Email         string `json:"email,omitempty"`
	User          string `json:"user,omitempty"`
}

// Check reports whether the challenge completed. The GET form is a
// non-destructive poll.
//
// GET /check/{challenge}
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Info(r.Context(), chi.URLParam(r, "challenge"))
	if err != nil {
		writeJSON(w, http.StatusOK, checkResponse{Authenticated: false})
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Authenticated: snap.Authenticated()})
}

// Redeem is the one-time handoff: it consumes the session and returns the
// identity payload at most once. Any session the id still points at is
// destroyed, authenticated or not.
//
// POST /check/{challenge}
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Consume(r.Context(), chi.URLParam(r, "challenge"))
	if err != nil || !snap.Authenticated() {
		writeJSON(w, http.StatusOK, checkResponse{Authenticated: false})
		return
	}

	h.metrics.RecordSessionConsumed()
	writeJSON(w, http.StatusOK, checkResponse{
		Authenticated: true,
		Origin:        snap.Origin,
		Email:         snap.Email,
		User:          snap.UserID,
	})
}

// VerifyLink redeems an emailed token and completes the pending
// registration. Tokens are one-shot; a second visit renders the bad-link
// page instead of re-verifying.
//
// GET /verify?session={token}
func (h *Handler) VerifyLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("session")
	if token == "" {
		renderBadLink(w)
		return
	}

	sessionID, err := h.index.RedeemToken(ctx, token)
	if err != nil {
		renderBadLink(w)
		return
	}
	if err := h.sessions.Verify(ctx, sessionID); err != nil {
		renderBadLink(w)
		return
	}

	renderVerified(w)
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	status := code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		log.Printf("internal error: %v", err)
	}
	writeJSON(w, status, map[string]string{
		"error": publicMessage(err, code),
		"code":  string(code),
	})
}

// publicMessage keeps wrapped causes out of responses; clients get the
// domain message only.
func publicMessage(err error, code errors.Code) string {
	var domainErr *errors.Error
	if stderrors.As(err, &domainErr) {
		return domainErr.Message
	}
	if code == errors.CodeNotFound {
		return "not found"
	}
	return "internal error"
}
