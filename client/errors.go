package client

import (
	"errors"
	"fmt"

	"github.com/luma/beanstalk/protocol"
)

var (
	ErrConnectionClosed   = errors.New("connection closed")
	ErrQuit               = errors.New("client quit")
	ErrUnexpectedResponse = errors.New("response arrived with no command waiting for it")

	ErrNotFound     = errors.New("not found")
	ErrJobTooBig    = errors.New("job is larger than the server allows")
	ErrDraining     = errors.New("server is draining and not accepting new jobs")
	ErrExpectedCRLF = errors.New("server expected the job body to end in \\r\\n")
	ErrDeadlineSoon = errors.New("a reserved job's deadline is about to pass")
	ErrTimedOut     = errors.New("timed out waiting for a job")
	ErrNotIgnored   = errors.New("cannot ignore the only watched tube")
)

// ConnectError is returned when the connection could not be established. The
// connection is closed afterwards, a new one is needed to try again.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection attempt to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ConnectionClosedError fails every command still waiting when a connection
// closes. Err holds the cause, if there was one.
type ConnectionClosedError struct {
	Err error
}

func (e *ConnectionClosedError) Error() string {
	if e.Err == nil {
		return ErrConnectionClosed.Error()
	}

	return fmt.Sprintf("%v: %v", ErrConnectionClosed, e.Err)
}

func (e *ConnectionClosedError) Unwrap() error {
	return e.Err
}

func (e *ConnectionClosedError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// ProtocolViolationError is returned to a caller when the server replied with
// a status the command does not expect. The connection stays usable.
type ProtocolViolationError struct {
	Command  protocol.Command
	Response *protocol.Response
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("unexpected response to %s: %s", e.Command, e.Response)
}
