// Package verifier checks WebAuthn proofs against per-request expectations.
//
// The service is largely a policy shell around go-webauthn. Callers hand it
// the raw browser response plus the challenge and origin the session was
// bound to; it owns relying-party configuration and signature validation.
package verifier

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/louisbranch/authn.one/internal/platform/errors"
)

// Expected carries the values a proof must have been produced against.
type Expected struct {
	// Challenge is the session id. The widget passes its UTF-8 bytes as
	// the WebAuthn challenge, so the browser echoes them base64url-encoded
	// in clientDataJSON.
	Challenge string
	// Origin is the exact web origin the session was opened from.
	Origin string
	// Email is the account email. The widget sets it as the credential's
	// user handle at creation time.
	Email string
}

// Credential is a validated credential in storable form.
type Credential struct {
	// ID is the base64url encoding of the raw credential id.
	ID string
	// JSON is the full credential record, including the public key and
	// authenticator state needed for future assertions.
	JSON []byte
}

// Verifier validates registration and authentication proofs.
type Verifier interface {
	VerifyRegistration(proofJSON []byte, expected Expected) (Credential, error)
	VerifyAuthentication(proofJSON []byte, storedCredential []byte, expected Expected) (Credential, error)
}

// WebAuthn is the production Verifier. Relying-party providers are built
// lazily per origin and cached; a deployment serves many origins and each
// needs its own RPID.
type WebAuthn struct {
	displayName string

	mu        sync.Mutex
	providers map[string]*webauthn.WebAuthn
}

// NewWebAuthn creates a verifier that reports displayName as the
// relying-party name to authenticators.
func NewWebAuthn(displayName string) *WebAuthn {
	return &WebAuthn{
		displayName: displayName,
		providers:   make(map[string]*webauthn.WebAuthn),
	}
}

// VerifyRegistration validates a credential-creation response and returns
// the new credential.
func (w *WebAuthn) VerifyRegistration(proofJSON []byte, expected Expected) (Credential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBytes(proofJSON)
	if err != nil {
		return Credential{}, errors.Wrap(errors.CodeVerifierRejected, "parse registration response", err)
	}

	provider, err := w.provider(expected.Origin)
	if err != nil {
		return Credential{}, err
	}

	handle := []byte(expected.Email)
	session := webauthn.SessionData{
		Challenge: encodeChallenge(expected.Challenge),
		UserID:    handle,
	}
	credential, err := provider.CreateCredential(&shimUser{id: handle}, session, parsed)
	if err != nil {
		return Credential{}, errors.Wrap(errors.CodeVerifierRejected, "validate registration response", err)
	}

	return encodeCredential(credential)
}

// VerifyAuthentication validates an assertion against a stored credential
// and returns the credential with its authenticator state advanced, ready to
// be written back.
func (w *WebAuthn) VerifyAuthentication(proofJSON []byte, storedCredential []byte, expected Expected) (Credential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBytes(proofJSON)
	if err != nil {
		return Credential{}, errors.Wrap(errors.CodeVerifierRejected, "parse authentication response", err)
	}

	var stored webauthn.Credential
	if err := json.Unmarshal(storedCredential, &stored); err != nil {
		return Credential{}, errors.Wrap(errors.CodeInternal, "decode stored credential", err)
	}

	provider, err := w.provider(expected.Origin)
	if err != nil {
		return Credential{}, err
	}

	handle := []byte(expected.Email)
	session := webauthn.SessionData{
		Challenge:        encodeChallenge(expected.Challenge),
		UserID:           handle,
		UserVerification: protocol.VerificationRequired,
	}
	user := &shimUser{id: handle, credentials: []webauthn.Credential{stored}}
	credential, err := provider.ValidateLogin(user, session, parsed)
	if err != nil {
		return Credential{}, errors.Wrap(errors.CodeVerifierRejected, "validate authentication response", err)
	}
	if credential.Authenticator.CloneWarning {
		return Credential{}, errors.New(errors.CodeVerifierRejected, "credential sign count regressed")
	}

	return encodeCredential(credential)
}

// provider returns the cached relying party for an origin, building it on
// first use. The RPID is the origin's hostname without port.
func (w *WebAuthn) provider(origin string) (*webauthn.WebAuthn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if provider, ok := w.providers[origin]; ok {
		return provider, nil
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return nil, errors.New(errors.CodeChallengeOriginMissing, fmt.Sprintf("invalid origin %q", origin))
	}

	provider, err := webauthn.New(&webauthn.Config{
		RPDisplayName: w.displayName,
		RPID:          parsed.Hostname(),
		RPOrigins:     []string{origin},
	})
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, "configure relying party", err)
	}
	w.providers[origin] = provider
	return provider, nil
}

func encodeCredential(credential *webauthn.Credential) (Credential, error) {
	payload, err := json.Marshal(credential)
	if err != nil {
		return Credential{}, errors.Wrap(errors.CodeInternal, "encode credential", err)
	}
	return Credential{
		ID:   base64.RawURLEncoding.EncodeToString(credential.ID),
		JSON: payload,
	}, nil
}

// encodeChallenge renders the challenge the way the browser will echo it:
// clientDataJSON carries the challenge bytes base64url-encoded without
// padding.
func encodeChallenge(challenge string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(challenge))
}

// shimUser adapts a session's user handle and stored credentials to the
// webauthn.User surface. The handle is the account email, matching what the
// widget sets at credential creation.
type shimUser struct {
	id          []byte
	credentials []webauthn.Credential
}

func (u *shimUser) WebAuthnID() []byte { return u.id }

func (u *shimUser) WebAuthnName() string { return string(u.id) }

func (u *shimUser) WebAuthnDisplayName() string { return string(u.id) }

func (u *shimUser) WebAuthnIcon() string { return "" }

func (u *shimUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }
