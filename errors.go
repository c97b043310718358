package d1_arm

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnreachable is reported when the IK solver refuses or times out a connection.
	ErrUnreachable = errors.New("ik solver unreachable")
	// ErrNotReady is reported when a solve is attempted before a successful ping.
	ErrNotReady = errors.New("ik session not ready")
	// ErrMalformedResponse is reported for any frame whose length does not match the protocol.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrInsufficientJoints is reported when fewer than JointCount angles are supplied.
	ErrInsufficientJoints = errors.New("insufficient joints")

	ErrNotInitialized     = errors.New("arm publisher not initialized")
	ErrAlreadyInitialized = errors.New("arm publisher already initialized")
	ErrRejected           = errors.New("publish rejected")
)

// ConnectError wraps a failed dial to the IK solver.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v: %v", e.Addr, ErrUnreachable, e.Err)
}

// Is lets errors.Is(err, ErrUnreachable) match any ConnectError.
func (e *ConnectError) Is(target error) bool {
	return target == ErrUnreachable
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SolveErrorKind classifies a failed solve.
type SolveErrorKind int

const (
	// SolveTransport is a mid-exchange socket failure or timeout.
	SolveTransport SolveErrorKind = iota
	// SolveProtocol is a reply whose size does not match the expected joint vector.
	SolveProtocol
	// SolveNotReady means the session had no ready connection.
	SolveNotReady
)

func (k SolveErrorKind) String() string {
	switch k {
	case SolveTransport:
		return "transport"
	case SolveProtocol:
		return "protocol"
	case SolveNotReady:
		return "not_ready"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// SolveError is returned by IKSession.Solve.
type SolveError struct {
	Kind SolveErrorKind
	Err  error
}

func (e *SolveError) Error() string {
	return fmt.Sprintf("ik solve failed (%s): %v", e.Kind, e.Err)
}

func (e *SolveError) Unwrap() error {
	return e.Err
}

// IsSolveKind reports whether err is a SolveError of the given kind.
func IsSolveKind(err error, kind SolveErrorKind) bool {
	var se *SolveError
	return errors.As(err, &se) && se.Kind == kind
}

// InitError is returned when the publish channel cannot be opened.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return "arm publisher init failed: " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// PublishError is returned when a control message could not be written to the bus.
// It always matches ErrRejected.
type PublishError struct {
	Seq uint64
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish seq %d: %v: %v", e.Seq, ErrRejected, e.Err)
}

func (e *PublishError) Is(target error) bool {
	return target == ErrRejected
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ParseError describes a malformed script line.
type ParseError struct {
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
