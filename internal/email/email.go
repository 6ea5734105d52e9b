// Package email sends verification messages for pending registrations.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/louisbranch/authn.one/internal/identity"
	"github.com/louisbranch/authn.one/internal/platform/errors"
)

// Notifier delivers a verification link to an address. Implementations must
// be safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, email string, verifyURL string) error
}

// LogNotifier writes the link to the process log instead of delivering it.
// It is the development default.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, email string, verifyURL string) error {
	log.Printf("To %s, verify at %s", email, verifyURL)
	return nil
}

// WebhookNotifier posts the message to an external delivery endpoint as
// JSON. The endpoint owns templating and actual delivery.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

// NewWebhookNotifier creates a notifier posting to endpoint. Deliveries are
// bounded by a 10 second timeout so a slow mail relay cannot stall callers.
func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, email string, verifyURL string) error {
	payload, err := json.Marshal(map[string]string{
		"email":      email,
		"verify_url": verifyURL,
	})
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "encode notification", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "build notification request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.Client.Do(req)
	if err != nil {
		return errors.Wrap(errors.CodeInternal, "deliver notification", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errors.New(errors.CodeInternal, fmt.Sprintf("notification endpoint returned %d", res.StatusCode))
	}
	return nil
}

// Verification mints one-shot verification tokens and mails the links.
type Verification struct {
	index    *identity.Index
	notifier Notifier
	baseURL  string
	tokenTTL time.Duration
}

// NewVerification creates the verification mailer. baseURL is the public
// address of this service, used to build the clickable link.
func NewVerification(index *identity.Index, notifier Notifier, baseURL string, tokenTTL time.Duration) *Verification {
	return &Verification{
		index:    index,
		notifier: notifier,
		baseURL:  baseURL,
		tokenTTL: tokenTTL,
	}
}

// Request mints a token bound to the session and sends the verification
// link. Delivery is fire-and-forget: it happens on a background goroutine
// with a detached context so a slow relay never stalls the caller, and
// failures are logged, not surfaced. The session expiring unverified is the
// safe outcome.
func (v *Verification) Request(ctx context.Context, sessionID string, email string) {
	token, err := v.index.CreateToken(ctx, sessionID, v.tokenTTL)
	if err != nil {
		log.Printf("mint verification token for session %s: %v", sessionID, err)
		return
	}

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		if err := v.notifier.Send(sendCtx, email, v.VerifyURL(token)); err != nil {
			log.Printf("send verification to %s: %v", email, err)
		}
	}()
}

// VerifyURL builds the link a token redeems at.
func (v *Verification) VerifyURL(token string) string {
	return fmt.Sprintf("%s/verify?session=%s", v.baseURL, url.QueryEscape(token))
}
