package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// WebhookPayload is the inbound signal event at the system boundary.
type WebhookPayload struct {
	Signal         string      `json:"signal"`
	Ticker         string      `json:"ticker"`
	TradingMode    string      `json:"tradingMode"`
	RiskAmount     float64     `json:"riskAmount"`
	EntryPrice     float64     `json:"entryPrice"`
	StopLoss       float64     `json:"stopLoss"`
	TakeProfit     float64     `json:"takeProfit"`
	Timestamp      WebhookTime `json:"timestamp"`
	Strategy       string      `json:"strategy"`
	Timeframe      string      `json:"timeframe"`
	IdempotencyKey string      `json:"idempotencyKey,omitempty"`
}

// WebhookTime handles the timestamp formats upstream alert templates emit:
// - "2025-12-08T16:00:00.000Z"
// - "2025-11-30T00:00:00Z"
// - unix epoch seconds, quoted or not
type WebhookTime struct {
	time.Time
}

func (t *WebhookTime) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}

	// bare number: epoch seconds
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.Unix(epoch, 0).UTC()
		return nil
	}

	unquoted, err := strconv.Unquote(s)
	if err != nil {
		return fmt.Errorf("WebhookTime: invalid json string: %w", err)
	}

	if epoch, err := strconv.ParseInt(unquoted, 10, 64); err == nil {
		t.Time = time.Unix(epoch, 0).UTC()
		return nil
	}

	layouts := []string{
		"2006-01-02T15:04:05.000Z",
		time.RFC3339,
		"2006-01-02T15:04:05Z",
	}

	var lastErr error
	for _, layout := range layouts {
		tt, e := time.Parse(layout, unquoted)
		if e == nil {
			t.Time = tt
			return nil
		}
		lastErr = e
	}
	return fmt.Errorf("WebhookTime: parse %q: %w", unquoted, lastErr)
}

// Validate checks required fields and enumerations. It returns a
// human-readable detail for the rejection response; the reason code is
// always validation_error.
func (p *WebhookPayload) Validate() error {
	if p.Ticker == "" {
		return fmt.Errorf("missing required field: ticker")
	}
	if p.Signal != SideBuy && p.Signal != SideSell {
		return fmt.Errorf("signal must be %q or %q, got %q", SideBuy, SideSell, p.Signal)
	}
	if p.TradingMode != ModePaper && p.TradingMode != ModeLive {
		return fmt.Errorf("tradingMode must be %q or %q, got %q", ModePaper, ModeLive, p.TradingMode)
	}
	if p.RiskAmount <= 0 {
		return fmt.Errorf("riskAmount must be positive, got %v", p.RiskAmount)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("entryPrice must be positive, got %v", p.EntryPrice)
	}
	if p.StopLoss <= 0 {
		return fmt.Errorf("stopLoss must be positive, got %v", p.StopLoss)
	}
	if p.TakeProfit < 0 {
		return fmt.Errorf("takeProfit must not be negative, got %v", p.TakeProfit)
	}
	return nil
}

// DedupToken returns the caller-supplied idempotency key, or a deterministic
// digest of the identifying payload fields when the caller did not send one.
// Two byte-identical deliveries always map to the same token.
func (p *WebhookPayload) DedupToken() string {
	if p.IdempotencyKey != "" {
		return p.IdempotencyKey
	}

	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%v|%v|%v|%d",
		p.Ticker, p.Signal, p.TradingMode, p.Strategy, p.Timeframe,
		p.RiskAmount, p.EntryPrice, p.StopLoss, p.Timestamp.Unix())

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ToSignal maps the payload onto a durable signal row in the received state.
func (p *WebhookPayload) ToSignal(rawBody []byte) *Signal {
	return &Signal{
		Ticker:         p.Ticker,
		Side:           p.Signal,
		Mode:           p.TradingMode,
		RiskAmount:     p.RiskAmount,
		EntryPrice:     p.EntryPrice,
		StopLoss:       p.StopLoss,
		TakeProfit:     p.TakeProfit,
		Strategy:       p.Strategy,
		Timeframe:      p.Timeframe,
		SignalTime:     p.Timestamp.UTC(),
		IdempotencyKey: p.DedupToken(),
		Status:         SignalStatusReceived,
		RawPayload:     string(rawBody),
	}
}
