package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/authn.one/internal/email"
	"github.com/louisbranch/authn.one/internal/identity"
	"github.com/louisbranch/authn.one/internal/metrics"
	"github.com/louisbranch/authn.one/internal/platform/errors"
	"github.com/louisbranch/authn.one/internal/session"
	"github.com/louisbranch/authn.one/internal/storage"
	"github.com/louisbranch/authn.one/internal/user"
	"github.com/louisbranch/authn.one/internal/verifier"
)

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]storage.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]storage.Session)}
}

func (s *fakeSessionStore) PutSession(_ context.Context, session storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *fakeSessionStore) GetSession(_ context.Context, id string) (storage.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return storage.Session{}, storage.ErrNotFound
	}
	return session, nil
}

func (s *fakeSessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *fakeSessionStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}

type fakeUserStore struct {
	mu          sync.Mutex
	users       map[string]storage.User
	emails      map[string][]storage.UserEmail
	credentials map[string][]storage.UserCredential
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users:       make(map[string]storage.User),
		emails:      make(map[string][]storage.UserEmail),
		credentials: make(map[string][]storage.UserCredential),
	}
}

func (s *fakeUserStore) PutUser(_ context.Context, u storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		s.users[u.ID] = u
	}
	return nil
}

func (s *fakeUserStore) GetUser(_ context.Context, userID string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeUserStore) PutUserEmail(_ context.Context, entry storage.UserEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.emails[entry.UserID]
	for i, existing := range entries {
		if existing.Email == entry.Email {
			entries[i] = entry
			return nil
		}
	}
	s.emails[entry.UserID] = append(entries, entry)
	return nil
}

func (s *fakeUserStore) ListUserEmails(_ context.Context, userID string) ([]storage.UserEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.UserEmail(nil), s.emails[userID]...), nil
}

func (s *fakeUserStore) PutUserCredential(_ context.Context, entry storage.UserCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.credentials[entry.UserID]
	for i, existing := range entries {
		if existing.Origin == entry.Origin && existing.CredentialID == entry.CredentialID {
			entries[i] = entry
			return nil
		}
	}
	s.credentials[entry.UserID] = append(entries, entry)
	return nil
}

func (s *fakeUserStore) ListUserCredentials(_ context.Context, userID string, origin string) ([]storage.UserCredential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var scoped []storage.UserCredential
	for _, entry := range s.credentials[userID] {
		if entry.Origin == origin {
			scoped = append(scoped, entry)
		}
	}
	return scoped, nil
}

type fakeIndexStore struct {
	mu       sync.Mutex
	bindings map[string]string
	tokens   map[string]storage.VerificationToken
}

func newFakeIndexStore() *fakeIndexStore {
	return &fakeIndexStore{
		bindings: make(map[string]string),
		tokens:   make(map[string]storage.VerificationToken),
	}
}

func (s *fakeIndexStore) BindEmailUser(_ context.Context, emailHash string, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[emailHash]; !ok {
		s.bindings[emailHash] = userID
	}
	return s.bindings[emailHash], nil
}

func (s *fakeIndexStore) LookupEmailUser(_ context.Context, emailHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.bindings[emailHash]
	if !ok {
		return "", storage.ErrNotFound
	}
	return userID, nil
}

func (s *fakeIndexStore) PutVerificationToken(_ context.Context, token storage.VerificationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.Token] = token
	return nil
}

func (s *fakeIndexStore) GetVerificationToken(_ context.Context, token string) (storage.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[token]
	if !ok {
		return storage.VerificationToken{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeIndexStore) DeleteVerificationToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
	return nil
}

func (s *fakeIndexStore) DeleteExpiredVerificationTokens(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func wrapRejection(err error) error {
	return errors.Wrap(errors.CodeVerifierRejected, "proof rejected", err)
}

// fakeVerifier trusts any proof shaped {"id": "..."} and rejects proofs
// with "reject" set, standing in for cryptographic validation.
type fakeVerifier struct{}

func (fakeVerifier) decode(proofJSON []byte) (verifier.Credential, error) {
	var claim struct {
		ID     string `json:"id"`
		Reject bool   `json:"reject"`
	}
	if err := json.Unmarshal(proofJSON, &claim); err != nil || claim.ID == "" || claim.Reject {
		return verifier.Credential{}, fmt.Errorf("proof rejected")
	}
	return verifier.Credential{ID: claim.ID, JSON: proofJSON}, nil
}

func (f fakeVerifier) VerifyRegistration(proofJSON []byte, _ verifier.Expected) (verifier.Credential, error) {
	credential, err := f.decode(proofJSON)
	if err != nil {
		return verifier.Credential{}, wrapRejection(err)
	}
	return credential, nil
}

func (f fakeVerifier) VerifyAuthentication(proofJSON []byte, _ []byte, _ verifier.Expected) (verifier.Credential, error) {
	credential, err := f.decode(proofJSON)
	if err != nil {
		return verifier.Credential{}, wrapRejection(err)
	}
	return credential, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	urls []string
}

func (n *recordingNotifier) Send(_ context.Context, _ string, verifyURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, verifyURL)
	return nil
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.urls...)
}

type protoEnv struct {
	server   *httptest.Server
	notifier *recordingNotifier
	users    *user.Service
	index    *identity.Index
	sessions *session.Service
}

func newProtoEnv(t *testing.T) *protoEnv {
	t.Helper()
	return newProtoEnvWithNotifier(t, &recordingNotifier{})
}

func newProtoEnvWithNotifier(t *testing.T, notifier email.Notifier) *protoEnv {
	t.Helper()

	users := user.NewService(newFakeUserStore())
	index := identity.NewIndex(newFakeIndexStore())
	sessions := session.NewService(newFakeSessionStore(), users, index, time.Hour)
	verification := email.NewVerification(index, notifier, "https://authn.example", time.Hour)
	recorder := metrics.NewCollector(prometheus.NewRegistry())

	h := NewHandler(sessions, users, index, fakeVerifier{}, verification, recorder)
	server := httptest.NewServer(NewRouter(h, nil, nil))
	t.Cleanup(server.Close)

	env := &protoEnv{
		server:   server,
		users:    users,
		index:    index,
		sessions: sessions,
	}
	if recording, ok := notifier.(*recordingNotifier); ok {
		env.notifier = recording
	}
	return env
}

// waitForSent polls for n deliveries; the notifier runs on a background
// goroutine behind /register.
func (e *protoEnv) waitForSent(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := e.notifier.sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d verification emails, got %d", n, len(e.notifier.sent()))
	return nil
}

const testOrigin = "https://site.example"

func (e *protoEnv) post(t *testing.T, path string, body any, origin string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	res, err := e.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (e *protoEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	res, err := e.server.Client().Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func (e *protoEnv) challenge(t *testing.T, address string) challengeResponse {
	t.Helper()
	res, body := e.post(t, "/challenge", map[string]string{"email": address}, testOrigin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("challenge status = %d, body %s", res.StatusCode, body)
	}
	var parsed challengeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("decode challenge response: %v", err)
	}
	return parsed
}

// verifyTokenPath extracts the emailed token and rewrites the link onto the
// test server.
func verifyTokenPath(t *testing.T, verifyURL string) string {
	t.Helper()
	parsed, err := url.Parse(verifyURL)
	if err != nil {
		t.Fatalf("parse verify url: %v", err)
	}
	token := parsed.Query().Get("session")
	if token == "" {
		t.Fatalf("verify url %q has no token", verifyURL)
	}
	return "/verify?session=" + url.QueryEscape(token)
}

func TestChallengeValidation(t *testing.T) {
	env := newProtoEnv(t)

	tests := []struct {
		name   string
		body   any
		origin string
		status int
	}{
		{"empty email", map[string]string{"email": ""}, testOrigin, http.StatusBadRequest},
		{"malformed email", map[string]string{"email": "not-an-email"}, testOrigin, http.StatusBadRequest},
		{"missing origin", map[string]string{"email": "a@x.com"}, "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, body := env.post(t, "/challenge", tc.body, tc.origin)
			if res.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d, body %s", res.StatusCode, tc.status, body)
			}
		})
	}
}

func TestChallengesAreDistinct(t *testing.T) {
	env := newProtoEnv(t)

	first := env.challenge(t, "a@x.com")
	second := env.challenge(t, "a@x.com")
	if first.Challenge == second.Challenge {
		t.Fatalf("expected distinct challenges, both %q", first.Challenge)
	}
}

func TestSignupFlow(t *testing.T) {
	env := newProtoEnv(t)
	ctx := context.Background()

	issued := env.challenge(t, "a@x.com")
	if len(issued.CredentialIDs) != 0 {
		t.Fatalf("expected no known credentials for a new user, got %v", issued.CredentialIDs)
	}

	res, body := env.post(t, "/register", map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred1"},
	}, testOrigin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("register status = %d, body %s", res.StatusCode, body)
	}

	sent := env.waitForSent(t, 1)

	// Still pending until the link is visited.
	res, body = env.get(t, "/check/"+issued.Challenge)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), `"authenticated":false`) {
		t.Fatalf("pre-verification check = %d %s", res.StatusCode, body)
	}

	res, body = env.get(t, verifyTokenPath(t, sent[0]))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify link status = %d, body %s", res.StatusCode, body)
	}

	res, body = env.get(t, "/check/"+issued.Challenge)
	if !strings.Contains(string(body), `"authenticated":true`) {
		t.Fatalf("post-verification check body %s", body)
	}

	// The committed user has one verified email and one origin-scoped
	// credential.
	userID, err := env.index.LookupUser(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("lookup user: %v", err)
	}
	info, err := env.users.Info(ctx, userID, testOrigin)
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if len(info.Emails) != 1 || info.Emails[0].VerifiedAt == nil {
		t.Fatalf("expected one verified email, got %+v", info.Emails)
	}
	if len(info.Credentials) != 1 || info.Credentials[0].CredentialID != "cred1" {
		t.Fatalf("expected one credential, got %+v", info.Credentials)
	}
}

func TestRegisterRepeatSendsOneEmail(t *testing.T) {
	env := newProtoEnv(t)

	issued := env.challenge(t, "a@x.com")
	payload := map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred1"},
	}
	for i := 0; i < 3; i++ {
		res, body := env.post(t, "/register", payload, testOrigin)
		if res.StatusCode != http.StatusNoContent {
			t.Fatalf("register #%d status = %d, body %s", i, res.StatusCode, body)
		}
	}

	env.waitForSent(t, 1)
	time.Sleep(50 * time.Millisecond)
	if sent := env.notifier.sent(); len(sent) != 1 {
		t.Fatalf("expected one verification email across repeats, got %d", len(sent))
	}
}

type stalledNotifier struct {
	release chan struct{}
}

func (n *stalledNotifier) Send(_ context.Context, _ string, _ string) error {
	<-n.release
	return nil
}

func TestRegisterRespondsBeforeEmailDelivery(t *testing.T) {
	notifier := &stalledNotifier{release: make(chan struct{})}
	defer close(notifier.release)
	env := newProtoEnvWithNotifier(t, notifier)

	issued := env.challenge(t, "a@x.com")
	start := time.Now()
	res, body := env.post(t, "/register", map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred1"},
	}, testOrigin)
	elapsed := time.Since(start)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("register status = %d, body %s", res.StatusCode, body)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("register blocked on email delivery for %v", elapsed)
	}
}

func TestRegisterOriginMismatch(t *testing.T) {
	env := newProtoEnv(t)

	issued := env.challenge(t, "a@x.com")
	res, body := env.post(t, "/register", map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred1"},
	}, "https://evil.example")
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body %s", res.StatusCode, body)
	}
	time.Sleep(50 * time.Millisecond)
	if sent := env.notifier.sent(); len(sent) != 0 {
		t.Fatalf("expected no email after origin mismatch, got %d", len(sent))
	}
}

func TestRegisterVerifierRejection(t *testing.T) {
	env := newProtoEnv(t)

	issued := env.challenge(t, "a@x.com")
	res, body := env.post(t, "/register", map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred1", "reject": true},
	}, testOrigin)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body %s", res.StatusCode, body)
	}
}

func TestRegisterUnknownChallenge(t *testing.T) {
	env := newProtoEnv(t)

	res, body := env.post(t, "/register", map[string]any{
		"challenge":    "ghost",
		"registration": map[string]any{"id": "cred1"},
	}, testOrigin)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404, body %s", res.StatusCode, body)
	}
}

// seedVerifiedUser provisions a user with a verified email and one stored
// credential, the state a returning user is in.
func seedVerifiedUser(t *testing.T, env *protoEnv, address string, credentialID string) string {
	t.Helper()
	ctx := context.Background()

	created, err := env.users.Create(ctx)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := env.index.BindUser(ctx, address, created.ID); err != nil {
		t.Fatalf("bind user: %v", err)
	}
	if err := env.users.VerifyEmail(ctx, created.ID, address); err != nil {
		t.Fatalf("verify email: %v", err)
	}
	if err := env.users.AddCredential(ctx, created.ID, testOrigin, credentialID, []byte(`{"id":"`+credentialID+`"}`)); err != nil {
		t.Fatalf("add credential: %v", err)
	}
	return created.ID
}

func TestSigninFlow(t *testing.T) {
	env := newProtoEnv(t)
	userID := seedVerifiedUser(t, env, "a@x.com", "cred1")

	issued := env.challenge(t, "a@x.com")
	if len(issued.CredentialIDs) != 1 || issued.CredentialIDs[0] != "cred1" {
		t.Fatalf("expected stored credential advertised, got %v", issued.CredentialIDs)
	}

	res, body := env.post(t, "/authenticate", map[string]any{
		"challenge":      issued.Challenge,
		"authentication": map[string]any{"id": "cred1"},
	}, testOrigin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("authenticate status = %d, body %s", res.StatusCode, body)
	}

	res, body = env.get(t, "/check/"+issued.Challenge)
	if !strings.Contains(string(body), `"authenticated":true`) {
		t.Fatalf("check body %s", body)
	}

	// Redemption hands out the identity exactly once.
	res, body = env.post(t, "/check/"+issued.Challenge, nil, testOrigin)
	var redeemed checkResponse
	if err := json.Unmarshal(body, &redeemed); err != nil {
		t.Fatalf("decode redemption: %v", err)
	}
	if !redeemed.Authenticated || redeemed.User != userID || redeemed.Email != "a@x.com" || redeemed.Origin != testOrigin {
		t.Fatalf("unexpected redemption payload %+v", redeemed)
	}

	res, body = env.post(t, "/check/"+issued.Challenge, nil, testOrigin)
	if !strings.Contains(string(body), `"authenticated":false`) {
		t.Fatalf("second redemption body %s", body)
	}
}

func TestAuthenticateUnknownCredential(t *testing.T) {
	env := newProtoEnv(t)
	seedVerifiedUser(t, env, "a@x.com", "cred1")

	issued := env.challenge(t, "a@x.com")
	res, body := env.post(t, "/authenticate", map[string]any{
		"challenge":      issued.Challenge,
		"authentication": map[string]any{"id": "other-cred"},
	}, testOrigin)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body %s", res.StatusCode, body)
	}
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	env := newProtoEnv(t)

	issued := env.challenge(t, "nobody@x.com")
	res, body := env.post(t, "/authenticate", map[string]any{
		"challenge":      issued.Challenge,
		"authentication": map[string]any{"id": "cred1"},
	}, testOrigin)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body %s", res.StatusCode, body)
	}
}

func TestAuthenticateOriginScoping(t *testing.T) {
	env := newProtoEnv(t)
	seedVerifiedUser(t, env, "a@x.com", "cred1")

	// A challenge opened from another origin must not see or accept the
	// credential registered for testOrigin.
	otherOrigin := "https://other.example"
	res, body := env.post(t, "/challenge", map[string]string{"email": "a@x.com"}, otherOrigin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("challenge status = %d, body %s", res.StatusCode, body)
	}
	var issued challengeResponse
	if err := json.Unmarshal(body, &issued); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if len(issued.CredentialIDs) != 0 {
		t.Fatalf("expected no credentials advertised cross-origin, got %v", issued.CredentialIDs)
	}

	res, body = env.post(t, "/authenticate", map[string]any{
		"challenge":      issued.Challenge,
		"authentication": map[string]any{"id": "cred1"},
	}, otherOrigin)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body %s", res.StatusCode, body)
	}
}

func TestVerifyLinkIsOneShot(t *testing.T) {
	env := newProtoEnv(t)

	issued := env.challenge(t, "a@x.com")
	res, body := env.post(t, "/register", map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred1"},
	}, testOrigin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("register status = %d, body %s", res.StatusCode, body)
	}

	path := verifyTokenPath(t, env.waitForSent(t, 1)[0])
	if res, _ := env.get(t, path); res.StatusCode != http.StatusOK {
		t.Fatalf("first visit status = %d", res.StatusCode)
	}
	res, body = env.get(t, path)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second visit status = %d, body %s", res.StatusCode, body)
	}
	if !strings.Contains(string(body), "no longer valid") {
		t.Fatalf("expected bad-link page, got %s", body)
	}
}

func TestVerifyLinkMissingToken(t *testing.T) {
	env := newProtoEnv(t)
	if res, _ := env.get(t, "/verify"); res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestFastPathForVerifiedEmail(t *testing.T) {
	env := newProtoEnv(t)
	userID := seedVerifiedUser(t, env, "a@x.com", "cred1")

	// Registering a second device: the email already proved ownership, so
	// no verification email goes out and the session authenticates
	// immediately.
	issued := env.challenge(t, "a@x.com")
	res, body := env.post(t, "/register", map[string]any{
		"challenge":    issued.Challenge,
		"registration": map[string]any{"id": "cred2"},
	}, testOrigin)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("register status = %d, body %s", res.StatusCode, body)
	}
	time.Sleep(50 * time.Millisecond)
	if sent := env.notifier.sent(); len(sent) != 0 {
		t.Fatalf("expected no verification email on the fast path, got %d", len(sent))
	}

	_, body = env.get(t, "/check/"+issued.Challenge)
	if !strings.Contains(string(body), `"authenticated":true`) {
		t.Fatalf("check body %s", body)
	}

	info, err := env.users.Info(context.Background(), userID, testOrigin)
	if err != nil {
		t.Fatalf("user info: %v", err)
	}
	if len(info.Credentials) != 2 {
		t.Fatalf("expected both credentials committed, got %+v", info.Credentials)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newProtoEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/challenge", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Origin", testOrigin)
	res, err := env.server.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); got != corsAllowedMethods {
		t.Errorf("allow-methods = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Headers"); got != corsAllowedHeaders {
		t.Errorf("allow-headers = %q", got)
	}
}

func TestHealthz(t *testing.T) {
	env := newProtoEnv(t)
	res, body := env.get(t, "/healthz")
	if res.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("healthz = %d %s", res.StatusCode, body)
	}
}
