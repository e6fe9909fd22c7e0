package connection

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nxldn/ldntunnel/protocol"
)

// Phase is the coarse communication phase the classifier keys its policy
// on: nothing established, session being set up, session active, or
// failed.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseSetup
	PhaseActive
	PhaseError
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseSetup:
		return "Setup"
	case PhaseActive:
		return "Active"
	case PhaseError:
		return "Error"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// DefaultSetupRetryLimit is how many losses during setup are retried
// before escalating to PhaseError.
const DefaultSetupRetryLimit = 3

var (
	ErrConnectionLost = errors.New("connection: connection lost")
	ErrTimeout        = errors.New("connection: operation timed out")
	ErrServerReported = errors.New("connection: server reported error")
)

// Classifier maps raw failure signals to the disconnect-reason taxonomy
// and decides whether a failure is retried or escalated.
type Classifier struct {
	mu             sync.Mutex
	phase          Phase
	reason         protocol.DisconnectReason
	lastErr        error
	setupRetries   uint32
	setupRetryMax  uint32
	connectionLost bool
}

// NewClassifier creates a classifier in PhaseNone with the default setup
// retry limit.
func NewClassifier() *Classifier {
	return &Classifier{setupRetryMax: DefaultSetupRetryLimit}
}

// SetSetupRetryLimit replaces the setup retry ceiling.
func (c *Classifier) SetSetupRetryLimit(limit uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setupRetryMax = limit
}

// SetPhase records the current communication phase. The embedding layer
// calls this as the session progresses.
func (c *Classifier) SetPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = p
}

// Phase returns the current communication phase.
func (c *Classifier) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// DisconnectReason returns the stored reason for the last failure.
func (c *Classifier) DisconnectReason() protocol.DisconnectReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// LastError returns the last recorded error, or nil.
func (c *Classifier) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// HandleConnectionLoss classifies a dropped connection and reports
// whether the caller should retry. Loss before anything was established
// is silent; loss during setup is retried up to the configured ceiling;
// loss during an active session escalates immediately with SignalLost.
func (c *Classifier) HandleConnectionLoss() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case PhaseNone:
		return false

	case PhaseSetup:
		c.connectionLost = true
		c.setupRetries++
		if c.setupRetries > c.setupRetryMax {
			c.escalateLocked(protocol.DisconnectConnectionFailed, ErrConnectionLost)
			return false
		}
		logrus.WithFields(logrus.Fields{
			"attempt": c.setupRetries,
			"limit":   c.setupRetryMax,
		}).Warn("Connection lost during setup, retrying")
		return true

	case PhaseActive:
		c.connectionLost = true
		c.escalateLocked(protocol.DisconnectSignalLost, ErrConnectionLost)
		return false

	default:
		return false
	}
}

// HandleTimeout classifies a timed-out operation. During an active
// session a timeout is treated exactly like connection loss; during setup
// the error is recorded but the phase stays put.
func (c *Classifier) HandleTimeout(operation string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrTimeout, operation)
	if c.phase == PhaseActive {
		c.connectionLost = true
		c.escalateLocked(protocol.DisconnectSignalLost, err)
		return err
	}

	c.lastErr = err
	return err
}

// HandleServerError maps a server-reported error code to a disconnect
// reason. The phase escalates to PhaseError only if a session was active
// when the code arrived.
func (c *Classifier) HandleServerError(code uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reason protocol.DisconnectReason
	switch code {
	case 1:
		reason = protocol.DisconnectRejected
	case 2:
		reason = protocol.DisconnectDestroyedBySystem
	default:
		reason = protocol.DisconnectSystemRequest
	}

	err := fmt.Errorf("%w: code %d (%s)", ErrServerReported, code, reason)
	c.reason = reason
	c.lastErr = err

	if c.phase == PhaseActive {
		c.phase = PhaseError
		logrus.WithFields(logrus.Fields{
			"code":   code,
			"reason": reason.String(),
		}).Error("Server terminated active session")
	}
	return err
}

// CanRecover reports whether automatic recovery may be offered: true only
// in PhaseError with a transient reason (ConnectionFailed or SignalLost).
// Rejected, DestroyedBySystem and SystemRequest are terminal.
func (c *Classifier) CanRecover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseError {
		return false
	}
	return c.reason == protocol.DisconnectConnectionFailed ||
		c.reason == protocol.DisconnectSignalLost
}

// ResetError clears the last error, the stored reason, the setup retry
// counter and the connection-lost flag together. The phase returns to
// PhaseNone.
func (c *Classifier) ResetError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastErr = nil
	c.reason = protocol.DisconnectNone
	c.setupRetries = 0
	c.connectionLost = false
	if c.phase == PhaseError {
		c.phase = PhaseNone
	}
}

// ConnectionLost reports whether a loss has been observed since the last
// reset.
func (c *Classifier) ConnectionLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionLost
}

func (c *Classifier) escalateLocked(reason protocol.DisconnectReason, err error) {
	c.phase = PhaseError
	c.reason = reason
	c.lastErr = err
	logrus.WithFields(logrus.Fields{
		"reason": reason.String(),
	}).Error("Connection failure escalated")
}
