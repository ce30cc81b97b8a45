package broker

import (
	"errors"
	"fmt"
)

// Kind classifies backend failures for the engine's retry policy.
type Kind int

const (
	// KindUnknown covers failures we cannot attribute; treated as
	// non-retryable so the reconciler can resolve the true state.
	KindUnknown Kind = iota
	// KindTransient failures (network, 5xx, rate limits) are retried with
	// bounded backoff.
	KindTransient
	// KindRejected failures are business declines; terminal, never retried.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the normalized failure every backend returns.
type Error struct {
	Kind Kind
	Code int
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("broker %s error %d: %s", e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("broker %s error: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transientf builds a retryable error.
func Transientf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...)}
}

// Rejectedf builds a terminal business decline.
func Rejectedf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindRejected, Msg: fmt.Sprintf(format, args...)}
}

// Classify returns the failure kind for any error coming out of a Broker.
// Non-*Error values (plain network errors and the like) count as transient,
// since the transport never got a business answer.
func Classify(err error) Kind {
	var brokerErr *Error
	if errors.As(err, &brokerErr) {
		return brokerErr.Kind
	}
	if err != nil {
		return KindTransient
	}
	return KindUnknown
}

// rejectionCodes maps the live backend's API error codes to short messages.
var rejectionCodes = map[int]string{
	40010001: "invalid order parameters",
	40110000: "request not authorized",
	40310000: "insufficient buying power",
	40310100: "account not allowed to trade",
	42210000: "order rejected by risk checks",
	42210001: "asset not tradable",
	42210002: "market closed for asset class",
	42910000: "too many open orders",
}

// rejectionMsg returns a readable message for a backend error code.
func rejectionMsg(code int, fallback string) string {
	if msg, ok := rejectionCodes[code]; ok {
		return msg
	}
	if fallback != "" {
		return fallback
	}
	return fmt.Sprintf("unrecognized broker error %d", code)
}
