package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
)

const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is what the execution engine escalates when an order ends in Error
// or the system cannot reach its own dependencies.
type Event struct {
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	SignalID uint   `json:"signal_id,omitempty"`
	OrderID  uint   `json:"order_id,omitempty"`
}

// Notifier delivers events to whoever watches the system. Delivery is
// best-effort; the ledger remains the durable record.
type Notifier interface {
	Alert(ctx context.Context, event Event)
}

type Config struct {
	WebhookURL string `envconfig:"ALERT_WEBHOOK_URL" default:""`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// FromConfig builds the notifier chain: always the log notifier, plus the
// webhook notifier when a URL is configured.
func FromConfig(cfg Config) Notifier {
	notifiers := Multi{NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, NewWebhookNotifier(cfg.WebhookURL))
	}
	return notifiers
}

// LogNotifier surfaces events through the application log.
type LogNotifier struct {
	log *logger.Entry
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: logger.WithField("component", "alert")}
}

func (n *LogNotifier) Alert(_ context.Context, event Event) {
	entry := n.log.WithFields(map[string]interface{}{
		"code":      event.Code,
		"signal_id": event.SignalID,
		"order_id":  event.OrderID,
	})
	if event.Severity == SeverityCritical {
		entry.Error(event.Message)
	} else {
		entry.Warn(event.Message)
	}
}

// WebhookNotifier posts events to an external endpoint (chat hook, pager).
type WebhookNotifier struct {
	http *resty.Client
	url  string
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		http: resty.New().SetTimeout(5 * time.Second),
		url:  url,
	}
}

func (n *WebhookNotifier) Alert(ctx context.Context, event Event) {
	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.url)
	if err != nil {
		logger.WithError(err).Warn("alert webhook delivery failed")
		return
	}
	if resp.StatusCode() >= 400 {
		logger.WithField("status", resp.StatusCode()).Warn("alert webhook delivery refused")
	}
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Alert(ctx context.Context, event Event) {
	for _, n := range m {
		n.Alert(ctx, event)
	}
}
