package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped is returned by [Coordinator.Start] when Stop ran before the
	// session became active.
	ErrStopped = errors.New("session: stopped before becoming active")

	// ErrRemoteClosed is the cause recorded when the remote ends the
	// connection before acknowledging the session.
	ErrRemoteClosed = errors.New("session: remote closed the connection")
)

// PermissionError reports that the microphone could not be opened because
// access was refused. It is fatal to Start and never retried.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("session: microphone permission denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// TransportError reports a failure of the remote connection: a failed
// handshake, a remote error event or a failed send.
type TransportError struct {
	// Op is the failing operation: "connect", "handshake", "send" or
	// "remote".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
