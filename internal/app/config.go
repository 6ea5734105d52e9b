package app

import (
	"time"

	"github.com/louisbranch/authn.one/internal/platform/config"
)

// Config holds server configuration, loaded from the environment.
type Config struct {
	// HTTPAddr is the listen address.
	HTTPAddr string `env:"AUTHN_ONE_HTTP_ADDR" envDefault:":8080"`
	// BaseURL is the public address of this deployment, used to build
	// verification links.
	BaseURL string `env:"AUTHN_ONE_BASE_URL" envDefault:"http://localhost:8080"`
	// DBPath is the sqlite database file.
	DBPath string `env:"AUTHN_ONE_DB_PATH" envDefault:"data/authn.db"`

	// RPDisplayName is reported to authenticators as the relying party.
	RPDisplayName string `env:"AUTHN_ONE_RP_NAME" envDefault:"authn.one"`

	// SessionTTL bounds a sign-in attempt; the session self-destructs
	// this long after challenge issuance regardless of activity.
	SessionTTL time.Duration `env:"AUTHN_ONE_SESSION_TTL" envDefault:"24h"`
	// TokenTTL bounds emailed verification links.
	TokenTTL time.Duration `env:"AUTHN_ONE_TOKEN_TTL" envDefault:"1h"`
	// CleanupInterval is how often expired rows left behind by restarts
	// are swept.
	CleanupInterval time.Duration `env:"AUTHN_ONE_CLEANUP_INTERVAL" envDefault:"5m"`

	// EmailWebhookURL, when set, delivers verification emails through an
	// external webhook. Empty means links are written to the log.
	EmailWebhookURL string `env:"AUTHN_ONE_EMAIL_WEBHOOK_URL"`

	// ChallengePerMin and ChallengeBurst rate limit challenge issuance
	// per client IP. ChallengePerMin <= 0 disables the limiter.
	ChallengePerMin float64 `env:"AUTHN_ONE_CHALLENGE_PER_MIN" envDefault:"60"`
	ChallengeBurst  int     `env:"AUTHN_ONE_CHALLENGE_BURST" envDefault:"10"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
