package broker

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PaperStartingCash float64 `envconfig:"PAPER_STARTING_CASH" default:"100000"`

	LiveAPIKey    string `envconfig:"BROKER_LIVE_API_KEY" default:""`
	LiveAPISecret string `envconfig:"BROKER_LIVE_API_SECRET" default:""`
	LiveBaseURL   string `envconfig:"BROKER_LIVE_BASE_URL" default:"https://api.alpaca.markets"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Provider holds the constructed backend per trading mode. Both variants are
// built up front; selection happens by key, never by inspecting types at
// runtime.
type Provider struct {
	backends map[string]Broker
}

// NewProvider builds the paper backend unconditionally and the live backend
// only when credentials are configured.
func NewProvider(cfg Config) *Provider {
	backends := map[string]Broker{
		"paper": NewPaperBroker(cfg.PaperStartingCash),
	}

	if cfg.LiveAPIKey != "" && cfg.LiveAPISecret != "" {
		backends["live"] = NewAlpacaClient(cfg.LiveAPIKey, cfg.LiveAPISecret, cfg.LiveBaseURL)
	}

	return &Provider{backends: backends}
}

// StaticProvider wires explicit backends, used by tests and by callers that
// construct brokers themselves.
func StaticProvider(backends map[string]Broker) *Provider {
	return &Provider{backends: backends}
}

// ForMode returns the backend for a trading mode.
func (p *Provider) ForMode(mode string) (Broker, error) {
	backend, ok := p.backends[mode]
	if !ok {
		return nil, fmt.Errorf("no broker configured for mode %q", mode)
	}
	return backend, nil
}

// Modes lists the configured trading modes, for health reporting.
func (p *Provider) Modes() []string {
	modes := make([]string, 0, len(p.backends))
	for mode := range p.backends {
		modes = append(modes, mode)
	}
	return modes
}
