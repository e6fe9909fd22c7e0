// Package connection implements the relay connection lifecycle: the state
// machine driving connect/handshake/backoff transitions, the exponential
// backoff scheduler, the failure classifier, and the clock-driven
// reconnector that ties them together.
//
// All types in this package are pure state mutators. They perform no I/O
// and own no goroutines except the Reconnector's pending timer; callers
// feed them discrete events and observe outcomes.
package connection

import (
	"fmt"
	"sync"
)

// State is the current phase of the relay connection. Exactly one is
// active at a time.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateReady
	StateBackoff
	StateRetrying
	StateDisconnecting
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateHandshaking:
		return "Handshaking"
	case StateReady:
		return "Ready"
	case StateBackoff:
		return "Backoff"
	case StateRetrying:
		return "Retrying"
	case StateDisconnecting:
		return "Disconnecting"
	case StateError:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Event is a discrete input to the state machine. Events are consumed
// synchronously and never queued.
type Event uint8

const (
	EventConnect Event = iota
	EventConnectSuccess
	EventConnectFailed
	EventHandshakeStarted
	EventHandshakeSuccess
	EventHandshakeFailed
	EventConnectionLost
	EventDisconnect
	EventBackoffExpired
	EventRetryRequested
	EventFatalError
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventConnect:
		return "Connect"
	case EventConnectSuccess:
		return "ConnectSuccess"
	case EventConnectFailed:
		return "ConnectFailed"
	case EventHandshakeStarted:
		return "HandshakeStarted"
	case EventHandshakeSuccess:
		return "HandshakeSuccess"
	case EventHandshakeFailed:
		return "HandshakeFailed"
	case EventConnectionLost:
		return "ConnectionLost"
	case EventDisconnect:
		return "Disconnect"
	case EventBackoffExpired:
		return "BackoffExpired"
	case EventRetryRequested:
		return "RetryRequested"
	case EventFatalError:
		return "FatalError"
	default:
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
}

// Outcome is the result of applying one event. The state mutates only on
// OutcomeSuccess.
type Outcome uint8

const (
	OutcomeSuccess Outcome = iota
	OutcomeInvalidTransition
	OutcomeAlreadyInState
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "Success"
	case OutcomeInvalidTransition:
		return "InvalidTransition"
	case OutcomeAlreadyInState:
		return "AlreadyInState"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// StateChangeCallback is invoked exactly once per successful transition
// with the state before, the state after, and the event that caused it.
type StateChangeCallback func(old, new State, event Event)

type transitionKey struct {
	from  State
	event Event
}

// transitions is the full table of valid (state, event) pairs. FatalError
// is handled separately: it is accepted from every non-Error state.
var transitions = map[transitionKey]State{
	{StateDisconnected, EventConnect}: StateConnecting,

	{StateConnecting, EventConnectSuccess}: StateConnected,
	{StateConnecting, EventConnectFailed}:  StateBackoff,

	{StateConnected, EventHandshakeStarted}: StateHandshaking,
	{StateConnected, EventHandshakeSuccess}: StateReady,
	{StateConnected, EventHandshakeFailed}:  StateBackoff,
	{StateConnected, EventConnectionLost}:   StateBackoff,

	{StateHandshaking, EventHandshakeSuccess}: StateReady,
	{StateHandshaking, EventHandshakeFailed}:  StateBackoff,
	{StateHandshaking, EventConnectionLost}:   StateBackoff,

	{StateBackoff, EventBackoffExpired}: StateRetrying,
	{StateBackoff, EventDisconnect}:     StateDisconnected,

	{StateRetrying, EventConnectSuccess}: StateConnected,
	{StateRetrying, EventConnectFailed}:  StateBackoff,
	{StateRetrying, EventConnectionLost}: StateBackoff,

	{StateReady, EventConnectionLost}: StateBackoff,
	{StateReady, EventDisconnect}:     StateDisconnecting,

	{StateDisconnecting, EventConnectionLost}: StateDisconnected,

	{StateError, EventRetryRequested}: StateConnecting,
	{StateError, EventDisconnect}:     StateDisconnected,
}

// sameStateRequests maps events that are harmless to re-issue from the
// state they already imply; these yield OutcomeAlreadyInState.
var sameStateRequests = map[transitionKey]struct{}{
	{StateDisconnected, EventDisconnect}: {},
	{StateConnecting, EventConnect}:      {},
}

// StateMachine owns the connection phase and the retry counter. All
// transitions are serialized through ProcessEvent.
type StateMachine struct {
	mu         sync.Mutex
	state      State
	retryCount uint32
	onChange   StateChangeCallback
}

// NewStateMachine creates a state machine in StateDisconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// OnStateChange registers the transition callback. A nil callback is
// valid and disables notification.
func (sm *StateMachine) OnStateChange(cb StateChangeCallback) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onChange = cb
}

// State returns the current phase.
func (sm *StateMachine) State() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// RetryCount returns the number of reconnection attempts since the last
// time the machine reached StateReady.
func (sm *StateMachine) RetryCount() uint32 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.retryCount
}

// ResetRetryCount zeroes the retry counter without touching the state.
func (sm *StateMachine) ResetRetryCount() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.retryCount = 0
}

// ForceState overrides the current phase directly, bypassing the
// transition table, the retry-count bookkeeping and the callback. Test
// and recovery injection only; never part of normal event processing.
func (sm *StateMachine) ForceState(s State) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = s
}

// ProcessEvent applies one event against the transition table and returns
// the outcome. Reaching StateReady resets the retry counter; entering
// StateRetrying via BackoffExpired increments it. The registered callback
// fires exactly once per OutcomeSuccess, after the state has mutated.
func (sm *StateMachine) ProcessEvent(event Event) Outcome {
	sm.mu.Lock()

	old := sm.state

	next, ok := transitions[transitionKey{old, event}]
	if !ok {
		if event == EventFatalError && old != StateError {
			next = StateError
		} else {
			sm.mu.Unlock()
			if _, same := sameStateRequests[transitionKey{old, event}]; same {
				return OutcomeAlreadyInState
			}
			if event == EventFatalError {
				return OutcomeAlreadyInState
			}
			return OutcomeInvalidTransition
		}
	}

	sm.state = next
	switch next {
	case StateReady:
		sm.retryCount = 0
	case StateRetrying:
		if event == EventBackoffExpired {
			sm.retryCount++
		}
	}

	cb := sm.onChange
	sm.mu.Unlock()

	if cb != nil {
		cb(old, next, event)
	}
	return OutcomeSuccess
}
