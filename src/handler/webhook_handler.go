package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/engine"
	"signalexecutor/src/metrics"
	"signalexecutor/src/model"
	"signalexecutor/src/security"
)

const maxWebhookBody = 1 << 20 // 1 MiB

type signalClaimer interface {
	Claim(ctx context.Context, signal *model.Signal) (uint, bool, error)
}

type signalProcessor interface {
	ProcessSignal(ctx context.Context, signal *model.Signal) (*model.OrderIntent, error)
	Submit(ctx context.Context, intent *model.OrderIntent) error
}

type webhookResponse struct {
	Status     string `json:"status"`
	SignalID   uint   `json:"signal_id,omitempty"`
	OrderID    uint   `json:"order_id,omitempty"`
	Quantity   int64  `json:"quantity,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// WebhookHandler is the intake endpoint for trading signals. The synchronous
// part ends once the signal is persisted, sized and the order intent exists;
// broker submission happens in the background so webhook latency never
// depends on broker latency.
func WebhookHandler(secret string, deduper signalClaimer, processor signalProcessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		if secret != "" {
			if !security.VerifySignature(secret, body, r.Header.Get("X-Signature")) {
				logger.Warn("Webhook signature verification failed")
				metrics.SignalsTotal.WithLabelValues("unauthorized").Inc()
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		var payload model.WebhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			metrics.SignalsTotal.WithLabelValues("validation_error").Inc()
			writeJSON(w, http.StatusUnprocessableEntity, webhookResponse{
				Status:     "rejected",
				ReasonCode: model.ReasonValidationError,
				Detail:     "malformed json payload",
			})
			return
		}

		if err := payload.Validate(); err != nil {
			logger.WithField("ticker", payload.Ticker).WithError(err).Warn("Webhook payload rejected")
			metrics.SignalsTotal.WithLabelValues("validation_error").Inc()
			writeJSON(w, http.StatusUnprocessableEntity, webhookResponse{
				Status:     "rejected",
				ReasonCode: model.ReasonValidationError,
				Detail:     err.Error(),
			})
			return
		}

		signal := payload.ToSignal(body)

		signalID, duplicate, err := deduper.Claim(r.Context(), signal)
		if err != nil {
			logger.WithError(err).Error("Failed to persist signal")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if duplicate {
			metrics.SignalsTotal.WithLabelValues("duplicate").Inc()
			writeJSON(w, http.StatusOK, webhookResponse{
				Status:     "duplicate",
				SignalID:   signalID,
				ReasonCode: model.ReasonDuplicateSignal,
			})
			return
		}
		signal.ID = signalID

		intent, err := processor.ProcessSignal(r.Context(), signal)
		if err != nil {
			code := engine.ReasonCode(err)
			if code == model.ReasonSystemError {
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}

			var pipelineErr *engine.PipelineError
			detail := ""
			if errors.As(err, &pipelineErr) {
				detail = pipelineErr.Detail
			}
			writeJSON(w, http.StatusUnprocessableEntity, webhookResponse{
				Status:     "rejected",
				SignalID:   signalID,
				ReasonCode: code,
				Detail:     detail,
			})
			return
		}

		// detach from the request: the client's connection closing must not
		// cancel the broker submission
		go func() {
			if err := processor.Submit(context.WithoutCancel(r.Context()), intent); err != nil {
				logger.WithFields(map[string]interface{}{
					"order_id":  intent.ID,
					"signal_id": signalID,
				}).WithError(err).Warn("Background submission ended in failure")
			}
		}()

		writeJSON(w, http.StatusOK, webhookResponse{
			Status:   "accepted",
			SignalID: signalID,
			OrderID:  intent.ID,
			Quantity: intent.Quantity,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.WithError(err).Error("failed to encode response")
	}
}
