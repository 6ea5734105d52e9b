// Package metrics collects and exposes Prometheus counters for the sign-in
// flow.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the surface handlers and sweepers report through.
type Recorder interface {
	RecordChallengeIssued()
	RecordRegistration(outcome string)
	RecordAuthentication(outcome string)
	RecordVerificationEmail()
	RecordSessionConsumed()
	RecordSessionsExpired(count int64)
}

// Outcome labels for registration and authentication counters.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
)

// Collector implements Recorder on Prometheus counters.
type Collector struct {
	challengesIssued   prometheus.Counter
	registrations      *prometheus.CounterVec
	authentications    *prometheus.CounterVec
	verificationEmails prometheus.Counter
	sessionsConsumed   prometheus.Counter
	sessionsExpired    prometheus.Counter
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		challengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authnone_challenges_issued_total",
			Help: "Sign-in challenges issued.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authnone_registrations_total",
			Help: "Credential registration attempts by outcome.",
		}, []string{"outcome"}),
		authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authnone_authentications_total",
			Help: "Credential authentication attempts by outcome.",
		}, []string{"outcome"}),
		verificationEmails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authnone_verification_emails_total",
			Help: "Verification emails requested.",
		}),
		sessionsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authnone_sessions_consumed_total",
			Help: "Sessions handed off to a relying site.",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authnone_sessions_expired_total",
			Help: "Sessions removed by the expiry sweeper.",
		}),
	}

	reg.MustRegister(
		c.challengesIssued,
		c.registrations,
		c.authentications,
		c.verificationEmails,
		c.sessionsConsumed,
		c.sessionsExpired,
	)

	return c
}

func (c *Collector) RecordChallengeIssued() {
	c.challengesIssued.Inc()
}

func (c *Collector) RecordRegistration(outcome string) {
	c.registrations.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordAuthentication(outcome string) {
	c.authentications.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordVerificationEmail() {
	c.verificationEmails.Inc()
}

func (c *Collector) RecordSessionConsumed() {
	c.sessionsConsumed.Inc()
}

func (c *Collector) RecordSessionsExpired(count int64) {
	c.sessionsExpired.Add(float64(count))
}

// Handler returns the scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
