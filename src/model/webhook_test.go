package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPayload() WebhookPayload {
	return WebhookPayload{
		Signal:      SideBuy,
		Ticker:      "AAPL",
		TradingMode: ModePaper,
		RiskAmount:  100,
		EntryPrice:  150,
		StopLoss:    148,
		TakeProfit:  155,
		Strategy:    "breakout",
		Timeframe:   "5m",
	}
}

func TestWebhookTimeFormats(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"millis iso", `"2025-12-08T16:00:00.000Z"`, time.Date(2025, 12, 8, 16, 0, 0, 0, time.UTC)},
		{"plain iso", `"2025-11-30T00:00:00Z"`, time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC)},
		{"epoch number", `1765209600`, time.Unix(1765209600, 0).UTC()},
		{"epoch string", `"1765209600"`, time.Unix(1765209600, 0).UTC()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var ts WebhookTime
			require.NoError(t, json.Unmarshal([]byte(tc.raw), &ts))
			assert.True(t, ts.Equal(tc.want), "got %s want %s", ts.Time, tc.want)
		})
	}

	t.Run("garbage", func(t *testing.T) {
		var ts WebhookTime
		assert.Error(t, json.Unmarshal([]byte(`"not-a-time"`), &ts))
	})
}

func TestWebhookPayloadValidate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		p := validPayload()
		assert.NoError(t, p.Validate())
	})

	t.Run("missing ticker", func(t *testing.T) {
		p := validPayload()
		p.Ticker = ""
		assert.ErrorContains(t, p.Validate(), "ticker")
	})

	t.Run("bad side", func(t *testing.T) {
		p := validPayload()
		p.Signal = "hold"
		assert.ErrorContains(t, p.Validate(), "signal")
	})

	t.Run("bad mode", func(t *testing.T) {
		p := validPayload()
		p.TradingMode = "demo"
		assert.ErrorContains(t, p.Validate(), "tradingMode")
	})

	t.Run("non-positive risk", func(t *testing.T) {
		p := validPayload()
		p.RiskAmount = 0
		assert.ErrorContains(t, p.Validate(), "riskAmount")
	})

	t.Run("negative take profit", func(t *testing.T) {
		p := validPayload()
		p.TakeProfit = -1
		assert.ErrorContains(t, p.Validate(), "takeProfit")
	})
}

func TestDedupToken(t *testing.T) {
	t.Run("caller key wins", func(t *testing.T) {
		p := validPayload()
		p.IdempotencyKey = "my-key"
		assert.Equal(t, "my-key", p.DedupToken())
	})

	t.Run("deterministic digest", func(t *testing.T) {
		a := validPayload()
		b := validPayload()
		assert.Equal(t, a.DedupToken(), b.DedupToken())
		assert.Len(t, a.DedupToken(), 64)
	})

	t.Run("field change alters digest", func(t *testing.T) {
		a := validPayload()
		b := validPayload()
		b.EntryPrice = 151
		assert.NotEqual(t, a.DedupToken(), b.DedupToken())
	})
}

func TestToSignal(t *testing.T) {
	p := validPayload()
	raw := []byte(`{"ticker":"AAPL"}`)

	signal := p.ToSignal(raw)

	assert.Equal(t, "AAPL", signal.Ticker)
	assert.Equal(t, SideBuy, signal.Side)
	assert.Equal(t, ModePaper, signal.Mode)
	assert.Equal(t, SignalStatusReceived, signal.Status)
	assert.Equal(t, p.DedupToken(), signal.IdempotencyKey)
	assert.Equal(t, string(raw), signal.RawPayload)
}
