package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/cdilink/interfaces"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotConnected is returned by Send outside the Connected state
	ErrNotConnected = errors.New("session not connected")

	// ErrStopped is returned by operations on a stopped session
	ErrStopped = errors.New("session stopped")

	// ErrAlreadyStarted is returned by Start on a session that is not idle
	ErrAlreadyStarted = errors.New("session already started")

	// ErrTooManyInFlight indicates every completion record is in use
	ErrTooManyInFlight = errors.New("too many payloads in flight")

	// ErrConnectionLost is returned when the connection drops while Send is
	// retrying a full queue. It wraps interfaces.ErrFatal.
	ErrConnectionLost = fmt.Errorf("connection lost during send: %w", interfaces.ErrFatal)
)

type eventKind uint8

const (
	eventStatus eventKind = iota
	eventComplete
	eventReceive
)

// event is one transport callback, queued for the session to apply.
type event struct {
	kind       eventKind
	status     interfaces.Status
	completion interfaces.Completion
	payload    *interfaces.RxPayload
	at         time.Time
}

// LateCompletion describes a payload whose completion took longer than the
// configured transmit timeout. Pending is set when the payload was still
// awaiting completion; each payload is reported at most once.
type LateCompletion struct {
	StreamID uint16
	Latency  time.Duration
	Timeout  time.Duration
	Pending  bool
}

// nextState applies a transport status to a session state.
func nextState(cur State, st interfaces.Status) State {
	if cur == StateIdle || cur == StateStopped {
		return cur
	}
	if st == interfaces.StatusConnected {
		return StateConnected
	}
	return StateConnecting
}
