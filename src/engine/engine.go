// Package engine drives a stored signal through risk sizing, conflict
// checking, order creation and broker submission, and applies fill reports
// coming back from reconciliation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/alert"
	"signalexecutor/src/broker"
	"signalexecutor/src/metrics"
	"signalexecutor/src/model"
	"signalexecutor/src/repository"
	"signalexecutor/src/risk"
)

type Engine struct {
	log      *logger.Entry
	brokers  *broker.Provider
	signals  *repository.SignalRepository
	orders   *repository.OrderRepository
	sizer    *risk.Sizer
	notifier alert.Notifier

	policy    RetryPolicy
	orderTTL  time.Duration
	orderType string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	brokers *broker.Provider,
	signals *repository.SignalRepository,
	orders *repository.OrderRepository,
	sizer *risk.Sizer,
	notifier alert.Notifier,
) *Engine {
	return &Engine{
		log:       logger.WithField("component", "engine"),
		brokers:   brokers,
		signals:   signals,
		orders:    orders,
		sizer:     sizer,
		notifier:  notifier,
		policy:    retryPolicyFromConfig(cfg),
		orderTTL:  cfg.OrderTTL,
		orderType: cfg.DefaultOrderType,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessSignal takes a freshly persisted signal through sizing and conflict
// checks and, on success, creates the order intent and marks the signal
// accepted. Failures terminate the signal with a reason code, except system
// errors, which leave it in received so a later re-drive can pick it up.
func (e *Engine) ProcessSignal(ctx context.Context, signal *model.Signal) (*model.OrderIntent, error) {
	log := e.log.WithFields(map[string]interface{}{
		"signal_id": signal.ID,
		"ticker":    signal.Ticker,
		"mode":      signal.Mode,
	})

	backend, err := e.brokers.ForMode(signal.Mode)
	if err != nil {
		return nil, e.systemError(ctx, signal, "no broker backend", err)
	}

	account, err := backend.GetAccount(ctx)
	if err != nil {
		return nil, e.systemError(ctx, signal, "account lookup failed", err)
	}

	openPositions, err := e.orders.CountActive(ctx, signal.Mode)
	if err != nil {
		return nil, e.systemError(ctx, signal, "active position count failed", err)
	}

	qty, err := e.sizer.Size(signal.RiskAmount, signal.EntryPrice, signal.StopLoss, account.Equity, int(openPositions))
	if err != nil {
		var sizingErr *risk.SizingError
		if errors.As(err, &sizingErr) {
			return nil, e.rejectSignal(ctx, signal, model.ReasonRiskSizingError, sizingErr.Error())
		}
		return nil, e.systemError(ctx, signal, "sizing failed", err)
	}

	reservation, err := e.orders.Reserve(ctx, signal.Ticker, signal.Strategy, signal.Mode)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			detail := fmt.Sprintf("active order exists for %s/%s/%s", signal.Ticker, signal.Strategy, signal.Mode)
			return nil, e.rejectSignal(ctx, signal, model.ReasonConflictError, detail)
		}
		return nil, e.systemError(ctx, signal, "position reservation failed", err)
	}

	intent := e.buildIntent(signal, qty)

	if err := e.orders.CreateWithLedger(ctx, intent, reservation); err != nil {
		if releaseErr := e.orders.ReleaseReservation(ctx, reservation.ID); releaseErr != nil {
			log.WithError(releaseErr).Error("Failed to release orphaned reservation")
		}
		return nil, e.systemError(ctx, signal, "order intent creation failed", err)
	}

	if err := e.signals.MarkAccepted(ctx, signal.ID); err != nil {
		return nil, e.systemError(ctx, signal, "signal accept failed", err)
	}

	metrics.SignalsTotal.WithLabelValues("accepted").Inc()
	log.WithFields(map[string]interface{}{
		"order_id": intent.ID,
		"quantity": intent.Quantity,
	}).Info("Signal accepted")

	return intent, nil
}

func (e *Engine) buildIntent(signal *model.Signal, qty int64) *model.OrderIntent {
	intent := &model.OrderIntent{
		SignalID:      signal.ID,
		Ticker:        signal.Ticker,
		Strategy:      signal.Strategy,
		Mode:          signal.Mode,
		Side:          signal.Side,
		OrderType:     e.orderType,
		Quantity:      qty,
		Status:        model.OrderStatusNew,
		ClientOrderID: uuid.NewString(),
	}

	if intent.OrderType == model.OrderTypeLimit && signal.EntryPrice > 0 {
		entry := signal.EntryPrice
		intent.LimitPrice = &entry
	}
	if signal.StopLoss > 0 {
		stop := signal.StopLoss
		intent.StopLossPrice = &stop
	}
	if signal.TakeProfit > 0 {
		tp := signal.TakeProfit
		intent.TakeProfitPrice = &tp
	}

	return intent
}

func (e *Engine) rejectSignal(ctx context.Context, signal *model.Signal, reasonCode, detail string) error {
	if err := e.signals.MarkRejected(ctx, signal.ID, reasonCode, detail); err != nil {
		return e.systemError(ctx, signal, "signal reject failed", err)
	}
	metrics.SignalsTotal.WithLabelValues("rejected").Inc()
	return &PipelineError{Code: reasonCode, Detail: detail}
}

// systemError records the failure on the ledger without terminating the
// signal: it stays in received and can be re-driven once the dependency
// recovers.
func (e *Engine) systemError(ctx context.Context, signal *model.Signal, detail string, cause error) error {
	full := fmt.Sprintf("%s: %v", detail, cause)

	if err := e.signals.AppendEvent(ctx, signal.ID, model.ReasonSystemError, full); err != nil {
		e.log.WithField("signal_id", signal.ID).WithError(err).Error("Failed to ledger system error")
	}

	e.notifier.Alert(ctx, alert.Event{
		Severity: alert.SeverityCritical,
		Code:     model.ReasonSystemError,
		Message:  full,
		SignalID: signal.ID,
	})

	metrics.SignalsTotal.WithLabelValues("system_error").Inc()
	return &PipelineError{Code: model.ReasonSystemError, Detail: detail, Err: cause}
}

// Submit sends the intent to the broker under the bounded retry policy. Only
// transient failures are retried; a rejection or exhausted retries terminates
// the order. Unknown-kind failures are terminal too, since retrying them
// risks a double submission.
func (e *Engine) Submit(ctx context.Context, intent *model.OrderIntent) error {
	log := e.log.WithFields(map[string]interface{}{
		"order_id": intent.ID,
		"ticker":   intent.Ticker,
		"mode":     intent.Mode,
	})

	backend, err := e.brokers.ForMode(intent.Mode)
	if err != nil {
		return e.failOrder(ctx, intent, model.ReasonSystemError, err.Error())
	}

	req := broker.OrderRequest{
		Ticker:        intent.Ticker,
		Side:          intent.Side,
		Qty:           intent.Quantity,
		OrderType:     intent.OrderType,
		LimitPrice:    intent.LimitPrice,
		StopLoss:      intent.StopLossPrice,
		TakeProfit:    intent.TakeProfitPrice,
		ClientOrderID: intent.ClientOrderID,
	}

	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
		brokerOrderID, err := backend.SubmitOrder(attemptCtx, req)
		cancel()

		if err == nil {
			submittedAt := e.now()
			attempts := attempt
			_, trErr := e.orders.Transition(ctx, intent.ID, model.OrderStatusSubmitted,
				model.ReasonSubmitted, "", &repository.TransitionUpdates{
					BrokerOrderID: &brokerOrderID,
					Attempts:      &attempts,
					SubmittedAt:   &submittedAt,
				})
			if trErr != nil {
				return trErr
			}
			metrics.OrdersSubmittedTotal.WithLabelValues(intent.Mode).Inc()
			log.WithFields(map[string]interface{}{
				"broker_order_id": brokerOrderID,
				"attempts":        attempt,
			}).Info("Order submitted")
			return nil
		}

		lastErr = err
		kind := broker.Classify(err)

		if kind == broker.KindRejected {
			log.WithError(err).Warn("Broker rejected order")
			e.notifier.Alert(ctx, alert.Event{
				Severity: alert.SeverityWarning,
				Code:     model.ReasonBrokerRejected,
				Message:  err.Error(),
				SignalID: intent.SignalID,
				OrderID:  intent.ID,
			})
			return e.failOrderWithAttempts(ctx, intent, model.OrderStatusRejected,
				model.ReasonBrokerRejected, err.Error(), attempt)
		}

		if kind != broker.KindTransient {
			// Unknown outcome: the order may or may not have reached the
			// broker, so retrying could submit twice. Reconciliation by
			// client order id is the safe path out.
			log.WithError(err).Error("Broker submission outcome unknown")
			break
		}

		log.WithFields(map[string]interface{}{
			"attempt": attempt,
		}).WithError(err).Warn("Transient broker failure")

		if attempt < e.policy.MaxAttempts {
			metrics.SubmitRetriesTotal.Inc()
			if err := e.sleep(ctx, e.policy.Backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	e.notifier.Alert(ctx, alert.Event{
		Severity: alert.SeverityCritical,
		Code:     model.ReasonRetriesExhausted,
		Message:  fmt.Sprintf("order submission failed: %v", lastErr),
		SignalID: intent.SignalID,
		OrderID:  intent.ID,
	})

	return e.failOrder(ctx, intent, model.ReasonRetriesExhausted,
		fmt.Sprintf("submission failed after %d attempts: %v", e.policy.MaxAttempts, lastErr))
}

func (e *Engine) failOrder(ctx context.Context, intent *model.OrderIntent, reasonCode, detail string) error {
	return e.failOrderWithAttempts(ctx, intent, model.OrderStatusError, reasonCode, detail, 0)
}

func (e *Engine) failOrderWithAttempts(
	ctx context.Context,
	intent *model.OrderIntent,
	to, reasonCode, detail string,
	attempts int,
) error {
	var updates *repository.TransitionUpdates
	if attempts > 0 {
		updates = &repository.TransitionUpdates{Attempts: &attempts}
	}
	_, err := e.orders.Transition(ctx, intent.ID, to, reasonCode, detail, updates)
	if err != nil {
		return err
	}
	metrics.OrderTransitionsTotal.WithLabelValues(to).Inc()
	return &PipelineError{Code: reasonCode, Detail: detail}
}

// ApplyFill maps one broker status report onto the order state machine.
// Reports that do not move the order forward are ignored, which makes the
// reconciliation poll loop safe to repeat.
func (e *Engine) ApplyFill(ctx context.Context, order *model.OrderIntent, report *broker.OrderStatus) error {
	var to string
	switch report.Status {
	case broker.StatusAccepted:
		// still working at the broker, nothing to record
		return nil
	case broker.StatusPartiallyFilled:
		to = model.OrderStatusPartiallyFilled
		// repeated identical partial reports are a no-op
		if order.Status == model.OrderStatusPartiallyFilled && report.FilledQty <= order.FilledQty {
			return nil
		}
	case broker.StatusFilled:
		to = model.OrderStatusFilled
	case broker.StatusCancelled:
		to = model.OrderStatusCancelled
	case broker.StatusRejected:
		to = model.OrderStatusRejected
	case broker.StatusExpired:
		to = model.OrderStatusExpired
	default:
		return fmt.Errorf("unrecognized broker status %q for order %d", report.Status, order.ID)
	}

	if order.Status == to && to != model.OrderStatusPartiallyFilled {
		return nil
	}

	updates := &repository.TransitionUpdates{
		FilledQty: &report.FilledQty,
	}
	if report.AvgFillPrice > 0 {
		price := report.AvgFillPrice
		updates.AvgFillPrice = &price
	}

	_, err := e.orders.Transition(ctx, order.ID, to, model.ReasonFillReport, "", updates)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrStaleOrder) {
			// a concurrent transition got there first; next poll re-reads
			return nil
		}
		return err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(to).Inc()
	return nil
}

// ExpireStale cancels a submitted order that has sat longer than the TTL
// without reaching a terminal state.
func (e *Engine) ExpireStale(ctx context.Context, order *model.OrderIntent) (bool, error) {
	if e.orderTTL <= 0 || order.SubmittedAt == nil {
		return false, nil
	}
	if e.now().Sub(*order.SubmittedAt) < e.orderTTL {
		return false, nil
	}

	backend, err := e.brokers.ForMode(order.Mode)
	if err != nil {
		return false, err
	}

	if err := backend.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		// the fill may have landed between our read and the cancel; the next
		// poll cycle will pick it up
		e.log.WithFields(map[string]interface{}{
			"order_id":        order.ID,
			"broker_order_id": order.BrokerOrderID,
		}).WithError(err).Warn("Cancel of stale order failed")
		return false, nil
	}

	detail := fmt.Sprintf("no terminal fill report within %s of submission", e.orderTTL)
	_, err = e.orders.Transition(ctx, order.ID, model.OrderStatusExpired,
		model.ReasonTTLExpired, detail, nil)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrStaleOrder) {
			return false, nil
		}
		return false, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(model.OrderStatusExpired).Inc()
	e.notifier.Alert(ctx, alert.Event{
		Severity: alert.SeverityWarning,
		Code:     model.ReasonTTLExpired,
		Message:  detail,
		SignalID: order.SignalID,
		OrderID:  order.ID,
	})
	return true, nil
}

// HandleStaleNew deals with an order found in new during reconciliation: the
// process died between creating the intent and submitting it. There is no
// broker order id to poll, so the order is terminated and escalated.
func (e *Engine) HandleStaleNew(ctx context.Context, order *model.OrderIntent) error {
	age := e.now().Sub(order.CreatedAt)
	if age < e.policy.AttemptTimeout*time.Duration(e.policy.MaxAttempts+1) {
		// submission may still be in flight in another goroutine
		return nil
	}

	detail := fmt.Sprintf("order stuck in new for %s, submission never completed", age.Round(time.Second))
	_, err := e.orders.Transition(ctx, order.ID, model.OrderStatusError,
		model.ReasonSystemError, detail, nil)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrStaleOrder) {
			return nil
		}
		return err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(model.OrderStatusError).Inc()
	e.notifier.Alert(ctx, alert.Event{
		Severity: alert.SeverityCritical,
		Code:     model.ReasonSystemError,
		Message:  detail,
		SignalID: order.SignalID,
		OrderID:  order.ID,
	})
	return nil
}

// Recover restores position reservations for every non-terminal order, run
// once at startup so a crash cannot leave conflict slots unguarded.
func (e *Engine) Recover(ctx context.Context) error {
	orders, err := e.orders.FindNonTerminal(ctx)
	if err != nil {
		return err
	}

	for i := range orders {
		if err := e.orders.EnsureReservation(ctx, &orders[i]); err != nil {
			return fmt.Errorf("restore reservation for order %d: %w", orders[i].ID, err)
		}
	}

	e.log.WithField("orders", len(orders)).Info("Recovery pass complete")
	return nil
}
