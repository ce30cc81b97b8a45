package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindTransient, Classify(Transientf("timeout")))
	assert.Equal(t, KindRejected, Classify(Rejectedf("insufficient funds")))
	assert.Equal(t, KindUnknown, Classify(&Error{Kind: KindUnknown, Msg: "ambiguous"}))

	// wrapped errors still classify
	wrapped := fmt.Errorf("submit: %w", Rejectedf("declined"))
	assert.Equal(t, KindRejected, Classify(wrapped))

	// plain errors count as transient: the transport never got an answer
	assert.Equal(t, KindTransient, Classify(errors.New("connection refused")))

	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestRejectionMsg(t *testing.T) {
	assert.Equal(t, "insufficient buying power", rejectionMsg(40310000, ""))
	assert.Equal(t, "fallback", rejectionMsg(99999999, "fallback"))
	assert.Contains(t, rejectionMsg(99999999, ""), "99999999")
}
