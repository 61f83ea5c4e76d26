package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation does not fit the manager's
	// current state, e.g. Connect while connected.
	ErrInvalidState = errors.New("connection: invalid state")
	// ErrSequenceInFlight is returned when a connect or attach sequence is already
	// running. The second request is rejected rather than queued.
	ErrSequenceInFlight = errors.New("connection: sequence already in flight")
	// ErrDisconnected is the cause an in-flight sequence is cancelled with by
	// Disconnect or a lost transport.
	ErrDisconnected = errors.New("connection: disconnected")
)

// TransportError reports that the channel to the debug server could not be opened
// or the handshake over it failed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connection: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Attach steps named by AttachError.
const (
	StepListTabs     = "listTabs"
	StepAttachTab    = "attachTab"
	StepAttachThread = "attachThread"
	StepResume       = "resume"
)

// AttachError describes an attach step the server refused or did not answer. It
// is delivered to onAttachFailed listeners and never returned to callers.
type AttachError struct {
	Step  string
	Actor string
	Err   error
}

func (e *AttachError) Error() string {
	if e.Actor == "" {
		return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Step, e.Actor, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
