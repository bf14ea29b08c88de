// Package sip is the boundary to the SIP/WebRTC stack. The protocol itself
// (registration exchanges, offer/answer, media, REFER) lives in an external
// stack; this package defines the typed events that stack emits and the
// commands it accepts, so the call-state machine never touches stack
// internals. The loopback driver implements the whole contract in memory for
// tests and development.
package sip

import (
	"context"
	"errors"
)

// Direction of a call session.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// StatusBusyHere is the SIP response used to reject an incoming call.
const StatusBusyHere = 486

var (
	ErrNotStarted = errors.New("sip: user agent not started")
	ErrTerminated = errors.New("sip: session already terminated")
)

// Event is the closed set of notifications a stack driver emits. Consumers
// switch exhaustively; a driver never calls back into the consumer.
type Event interface {
	isEvent()
}

// Registered fires when the registrar accepted our registration.
type Registered struct{}

// RegistrationFailed fires when registration was refused or timed out.
type RegistrationFailed struct {
	Cause string
}

// Unregistered fires after a deliberate unregister completes.
type Unregistered struct{}

// NewSession fires for every new call leg, inbound or outbound.
type NewSession struct {
	Session Session
}

// SessionConfirmed fires when a session reaches the answered state.
type SessionConfirmed struct {
	Session Session
}

// SessionEnded collapses the stack's ended/failed/canceled terminations;
// Cause carries the distinction for logging.
type SessionEnded struct {
	Session Session
	Cause   string
}

func (Registered) isEvent()         {}
func (RegistrationFailed) isEvent() {}
func (Unregistered) isEvent()       {}
func (NewSession) isEvent()         {}
func (SessionConfirmed) isEvent()   {}
func (SessionEnded) isEvent()       {}

// UserAgent is one registered SIP endpoint.
type UserAgent interface {
	// Start opens the stack's transport. Events begin flowing afterwards.
	Start(ctx context.Context) error
	Stop()

	Register() error
	Unregister() error

	// Events delivers stack events. The channel closes on Stop.
	Events() <-chan Event
}

// Session is one call leg.
type Session interface {
	Direction() Direction
	RemoteNumber() string

	Answer() error
	Reject(statusCode int) error
	Terminate() error

	SetMuted(muted bool) error
	Muted() bool

	// Refer asks this leg to redirect to target (call transfer). Terminal
	// NOTIFY status codes arrive on the returned handle.
	Refer(target string) (ReferHandle, error)
}

// ReferHandle tracks one in-flight transfer request.
type ReferHandle interface {
	// Notifies delivers NOTIFY status codes for the transfer. 2xx means
	// the target picked up; >=300 means the transfer failed.
	Notifies() <-chan int

	// Close abandons the subscription. Idempotent.
	Close()
}
