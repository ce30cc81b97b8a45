package alert

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	logger "github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifierSeverity(t *testing.T) {
	hook := logrustest.NewGlobal()
	defer hook.Reset()
	logger.SetLevel(logger.DebugLevel)

	n := NewLogNotifier()

	n.Alert(context.Background(), Event{Severity: SeverityWarning, Code: "ttl_expired", Message: "order expired"})
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, logger.WarnLevel, hook.LastEntry().Level)

	n.Alert(context.Background(), Event{Severity: SeverityCritical, Code: "system_error", Message: "db down"})
	assert.Equal(t, logger.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, "system_error", hook.LastEntry().Data["code"])
}

func TestWebhookNotifierPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var event Event
		_ = json.Unmarshal(body, &event)
		received <- event
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Alert(context.Background(), Event{
		Severity: SeverityCritical,
		Code:     "retries_exhausted",
		Message:  "order submission failed",
		SignalID: 1,
		OrderID:  2,
	})

	event := <-received
	assert.Equal(t, "retries_exhausted", event.Code)
	assert.Equal(t, uint(1), event.SignalID)
	assert.Equal(t, uint(2), event.OrderID)
}

func TestMultiFansOut(t *testing.T) {
	var got []string
	a := notifierFunc(func(e Event) { got = append(got, "a:"+e.Code) })
	b := notifierFunc(func(e Event) { got = append(got, "b:"+e.Code) })

	Multi{a, b}.Alert(context.Background(), Event{Code: "x"})
	assert.Equal(t, []string{"a:x", "b:x"}, got)
}

type notifierFunc func(Event)

func (f notifierFunc) Alert(_ context.Context, e Event) { f(e) }
