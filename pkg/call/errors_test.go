package call_test

import (
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/call"
)

func TestCallRejectedClassification(t *testing.T) {
	cases := []struct {
		code      int
		phrase    string
		wantMsg   string
		retryable bool
	}{
		{480, "Temporarily Unavailable", "temporarily unavailable", true},
		{486, "Busy Here", "busy", true},
		{404, "Not Found", "not found", false},
		{603, "Decline", "declined", false},
	}
	for _, tc := range cases {
		e := call.ErrCallRejected("call-1", tc.code, tc.phrase)
		assert.Equal(t, "CALL_REJECTED", e.Code)
		assert.Equal(t, call.CategorySignaling, e.Category)
		assert.Equal(t, call.SeverityError, e.Severity)
		assert.Equal(t, tc.wantMsg, e.Message)
		assert.Equal(t, tc.retryable, e.Retryable, "code %d", tc.code)
		assert.True(t, e.UserVisible)
		assert.Equal(t, tc.code, e.StatusCode)
		assert.Contains(t, e.Error(), "call-1")
	}
}

func TestMediaFailedMessages(t *testing.T) {
	assert.Equal(t, "media failure", call.ErrMediaFailed("c1", "media").Message)
	assert.Equal(t, "connection failure", call.ErrMediaFailed("c1", "ice").Message)
	assert.Equal(t, call.CategoryMedia, call.ErrMediaFailed("c1", "media").Category)
}

func TestTransportFailureUnwrap(t *testing.T) {
	cause := pkgerrors.New("connection refused")
	e := call.ErrTransportFailure("INVITE", cause)

	assert.True(t, e.Retryable)
	assert.False(t, e.UserVisible)
	assert.Equal(t, call.SeverityCritical, e.Severity)
	assert.ErrorIs(t, e, cause)

	var pe *call.PhoneError
	require.ErrorAs(t, pkgerrors.Wrap(e, "send request"), &pe)
	assert.Equal(t, "TRANSPORT_FAILURE", pe.Code)
}

func TestRetryableAndCriticalHelpers(t *testing.T) {
	assert.True(t, call.IsRetryable(call.ErrRegistrationFailed(pkgerrors.New("timeout"))))
	assert.True(t, call.IsCritical(call.ErrTransportFailure("REGISTER", pkgerrors.New("down"))))

	assert.False(t, call.IsRetryable(call.ErrCallRejected("c1", 603, "Decline")))
	assert.False(t, call.IsCritical(call.ErrCallRejected("c1", 486, "Busy Here")))
	assert.False(t, call.IsRetryable(pkgerrors.New("plain")))
	assert.False(t, call.IsCritical(nil))
}
