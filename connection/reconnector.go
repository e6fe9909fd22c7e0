package connection

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Reconnector glues the backoff scheduler to the state machine: arming it
// records a failure, computes the jittered delay and starts a timer that
// injects BackoffExpired when it elapses. At most one timer is pending at
// a time; re-arming replaces it and Cancel stops it, which is how a
// Disconnect during StateBackoff aborts the pending retry.
type Reconnector struct {
	mu      sync.Mutex
	clock   clock.Clock
	backoff *Backoff
	machine *StateMachine
	timer   *clock.Timer
	gen     uint64
}

// NewReconnector creates a reconnector driving machine from backoff using
// clk for scheduling. Pass clock.New() in production and clock.NewMock()
// in tests.
func NewReconnector(clk clock.Clock, backoff *Backoff, machine *StateMachine) *Reconnector {
	return &Reconnector{
		clock:   clk,
		backoff: backoff,
		machine: machine,
	}
}

// Arm records a failure, computes the next jittered delay from seed and
// schedules BackoffExpired. Returns false without scheduling when the
// retry cap is exhausted.
func (r *Reconnector) Arm(seed int64) bool {
	r.backoff.RecordFailure()
	if r.backoff.ShouldRetry() == MaxRetriesReached {
		logrus.WithFields(logrus.Fields{
			"failures": r.backoff.FailureCount(),
		}).Warn("Retry cap exhausted, not scheduling reconnect")
		return false
	}

	delay := r.backoff.NextDelayWithJitter(seed)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.timer = r.clock.AfterFunc(delay, func() {
		r.fire(gen)
	})

	logrus.WithFields(logrus.Fields{
		"delay":    delay,
		"failures": r.backoff.FailureCount(),
	}).Info("Reconnect scheduled")
	return true
}

// Cancel stops the pending timer, if any.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

// Reset cancels any pending timer and zeroes the failure counter, used
// once a session reaches StateReady.
func (r *Reconnector) Reset() {
	r.Cancel()
	r.backoff.Reset()
}

func (r *Reconnector) fire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen {
		// Stale timer that lost a race with Cancel or a re-arm.
		r.mu.Unlock()
		return
	}
	r.timer = nil
	r.mu.Unlock()

	r.machine.ProcessEvent(EventBackoffExpired)
}
