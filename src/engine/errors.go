package engine

import (
	"errors"
	"fmt"
)

// PipelineError carries the ledger reason code for a synchronous intake
// failure so the gateway can answer with the right rejection class.
type PipelineError struct {
	Code   string
	Detail string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (e *PipelineError) Unwrap() error { return e.Err }

// ReasonCode extracts the pipeline reason code from an error chain, or ""
// when the error did not come out of the pipeline.
func ReasonCode(err error) string {
	var pipelineErr *PipelineError
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Code
	}
	return ""
}
