package engine

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	SubmitMaxAttempts int           `envconfig:"SUBMIT_MAX_ATTEMPTS" default:"3"`
	SubmitBaseDelay   time.Duration `envconfig:"SUBMIT_BASE_DELAY" default:"500ms"`
	SubmitMaxDelay    time.Duration `envconfig:"SUBMIT_MAX_DELAY" default:"8s"`
	SubmitTimeout     time.Duration `envconfig:"SUBMIT_TIMEOUT" default:"5s"`

	// OrderTTL is how long a submitted order may sit without a terminal fill
	// report before the engine cancels it and marks it expired.
	OrderTTL time.Duration `envconfig:"ORDER_TTL" default:"2m"`

	// DefaultOrderType is used for every intent; limit orders are priced at
	// the signal's entry price.
	DefaultOrderType string `envconfig:"DEFAULT_ORDER_TYPE" default:"limit"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// RetryPolicy is the explicit bounded retry contract for order submission:
// a fixed attempt count with an exponential delay schedule and a hard
// per-attempt timeout. Only failures classified as transient are retried.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

func retryPolicyFromConfig(cfg Config) RetryPolicy {
	policy := RetryPolicy{
		MaxAttempts:    cfg.SubmitMaxAttempts,
		BaseDelay:      cfg.SubmitBaseDelay,
		MaxDelay:       cfg.SubmitMaxDelay,
		AttemptTimeout: cfg.SubmitTimeout,
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return policy
}

// Backoff returns the delay before the given retry (attempt starts at 1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
