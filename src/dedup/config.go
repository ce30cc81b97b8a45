package dedup

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"
)

type Config struct {
	// Retention is how long an idempotency key stays claimed. Sources do not
	// redeliver beyond this window.
	Retention time.Duration `envconfig:"DEDUP_RETENTION" default:"24h"`

	// RedisURL enables the cache fast path when set, e.g.
	// redis://localhost:6379/0. Empty runs database-only.
	RedisURL string `envconfig:"DEDUP_REDIS_URL" default:""`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// CacheFromConfig builds the optional redis client. Returns nil when no URL
// is configured or the URL does not parse; the deduplicator works without it.
func CacheFromConfig(cfg Config) *redis.Client {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.WithError(err).Warn("Invalid dedup redis URL, running without cache")
		return nil
	}
	return redis.NewClient(opts)
}
