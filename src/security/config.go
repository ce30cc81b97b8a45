package security

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// WebhookSecret is the shared secret for HMAC verification of inbound
	// webhook bodies. Empty disables verification (local development only).
	WebhookSecret string `envconfig:"WEBHOOK_SECRET" default:""`

	// APITokenHash is the bcrypt hash of the bearer token guarding the read
	// API. Empty leaves the read API open.
	APITokenHash string `envconfig:"API_TOKEN_HASH" default:""`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
