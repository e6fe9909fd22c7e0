package connection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxldn/ldntunnel/protocol"
)

// TestLossBeforeAnythingEstablished: silent, not retried.
func TestLossBeforeAnythingEstablished(t *testing.T) {
	c := NewClassifier()

	assert.False(t, c.HandleConnectionLoss())
	assert.Equal(t, PhaseNone, c.Phase())
	assert.NoError(t, c.LastError())
	assert.Equal(t, protocol.DisconnectNone, c.DisconnectReason())
}

// TestLossDuringSetup: retried up to the ceiling, then escalated with
// ConnectionFailed.
func TestLossDuringSetup(t *testing.T) {
	c := NewClassifier()
	c.SetSetupRetryLimit(2)
	c.SetPhase(PhaseSetup)

	assert.True(t, c.HandleConnectionLoss())
	assert.True(t, c.HandleConnectionLoss())
	assert.Equal(t, PhaseSetup, c.Phase())

	// Third loss exceeds the ceiling.
	assert.False(t, c.HandleConnectionLoss())
	assert.Equal(t, PhaseError, c.Phase())
	assert.Equal(t, protocol.DisconnectConnectionFailed, c.DisconnectReason())
	assert.True(t, errors.Is(c.LastError(), ErrConnectionLost))
}

// TestLossDuringActiveSession: immediate escalation with SignalLost,
// never retried.
func TestLossDuringActiveSession(t *testing.T) {
	c := NewClassifier()
	c.SetPhase(PhaseActive)

	assert.False(t, c.HandleConnectionLoss())
	assert.Equal(t, PhaseError, c.Phase())
	assert.Equal(t, protocol.DisconnectSignalLost, c.DisconnectReason())
	assert.True(t, c.ConnectionLost())
}

// TestTimeoutPolicy: active-session timeouts behave like loss; setup
// timeouts record the error without a phase change.
func TestTimeoutPolicy(t *testing.T) {
	t.Run("active", func(t *testing.T) {
		c := NewClassifier()
		c.SetPhase(PhaseActive)

		err := c.HandleTimeout("keepalive")
		assert.Error(t, err)
		assert.Equal(t, PhaseError, c.Phase())
		assert.Equal(t, protocol.DisconnectSignalLost, c.DisconnectReason())
	})

	t.Run("setup", func(t *testing.T) {
		c := NewClassifier()
		c.SetPhase(PhaseSetup)

		err := c.HandleTimeout("handshake")
		assert.Error(t, err)
		assert.Equal(t, PhaseSetup, c.Phase(), "setup timeouts must not change the phase")
		assert.True(t, errors.Is(c.LastError(), ErrTimeout))
		assert.Equal(t, protocol.DisconnectNone, c.DisconnectReason())
	})
}

// TestServerErrorMapping: code 1 -> Rejected, 2 -> DestroyedBySystem,
// anything else -> SystemRequest; escalation only from an active session.
func TestServerErrorMapping(t *testing.T) {
	tests := []struct {
		code   uint32
		reason protocol.DisconnectReason
	}{
		{1, protocol.DisconnectRejected},
		{2, protocol.DisconnectDestroyedBySystem},
		{0, protocol.DisconnectSystemRequest},
		{3, protocol.DisconnectSystemRequest},
		{99, protocol.DisconnectSystemRequest},
	}

	for _, tt := range tests {
		c := NewClassifier()
		c.SetPhase(PhaseActive)

		err := c.HandleServerError(tt.code)
		assert.Error(t, err)
		assert.Equal(t, tt.reason, c.DisconnectReason(), "code %d", tt.code)
		assert.Equal(t, PhaseError, c.Phase(), "code %d", tt.code)
	}

	// Same code outside an active session: reason recorded, phase kept.
	c := NewClassifier()
	c.SetPhase(PhaseSetup)
	c.HandleServerError(1)
	assert.Equal(t, protocol.DisconnectRejected, c.DisconnectReason())
	assert.Equal(t, PhaseSetup, c.Phase())
}

// TestCanRecover: true exactly for PhaseError with a transient reason.
func TestCanRecover(t *testing.T) {
	t.Run("transient reasons", func(t *testing.T) {
		for _, setup := range []func(*Classifier){
			func(c *Classifier) { // ConnectionFailed
				c.SetSetupRetryLimit(0)
				c.SetPhase(PhaseSetup)
				c.HandleConnectionLoss()
			},
			func(c *Classifier) { // SignalLost
				c.SetPhase(PhaseActive)
				c.HandleConnectionLoss()
			},
		} {
			c := NewClassifier()
			setup(c)
			require.Equal(t, PhaseError, c.Phase())
			assert.True(t, c.CanRecover())
		}
	})

	t.Run("terminal reasons", func(t *testing.T) {
		for _, code := range []uint32{1, 2, 3} {
			c := NewClassifier()
			c.SetPhase(PhaseActive)
			c.HandleServerError(code)
			require.Equal(t, PhaseError, c.Phase())
			assert.False(t, c.CanRecover(), "code %d is terminal", code)
		}
	})

	t.Run("not in error phase", func(t *testing.T) {
		c := NewClassifier()
		assert.False(t, c.CanRecover())
		c.SetPhase(PhaseActive)
		assert.False(t, c.CanRecover())
	})
}

// TestResetError clears everything together.
func TestResetError(t *testing.T) {
	c := NewClassifier()
	c.SetPhase(PhaseActive)
	c.HandleConnectionLoss()
	require.Equal(t, PhaseError, c.Phase())

	c.ResetError()

	assert.NoError(t, c.LastError())
	assert.Equal(t, protocol.DisconnectNone, c.DisconnectReason())
	assert.False(t, c.ConnectionLost())
	assert.Equal(t, PhaseNone, c.Phase())

	// After a reset the setup retry allowance is available again.
	c.SetSetupRetryLimit(1)
	c.SetPhase(PhaseSetup)
	assert.True(t, c.HandleConnectionLoss())
}
