package relay

import (
	"errors"
	"fmt"
	"syscall"
)

// State is the lifecycle of a single relayed stream.
type State int

const (
	// Active streams are probed and read normally.
	Active State = iota
	// Draining streams belong to a child that has exited but have not reported EOF yet.
	Draining
	// Closed streams are fully consumed (EOF or error). No further reads happen.
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Availability is the answer to a single probe. It is never reused across polls.
type Availability struct {
	// Ready is the number of bytes that can be read without blocking.
	Ready int
	// Closed is true when the write end is gone and nothing is buffered (clean EOF).
	Closed bool
	// Data holds bytes that a consuming probe already read. It aliases the probe buffer.
	Data []byte
}

// ExitStatus is the result of a non-blocking exit query.
type ExitStatus struct {
	Exited bool
	// Code is the exit code when Exited. It is -1 if the child was killed by a signal.
	Code int
	// Signal is the terminating signal, or 0.
	Signal syscall.Signal
}

func (s ExitStatus) String() string {
	switch {
	case !s.Exited:
		return "running"
	case s.Signal != 0:
		return fmt.Sprintf("signal: %s", s.Signal)
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

// StreamResult summarizes one relayed stream.
type StreamResult struct {
	Name  string
	Bytes int64
	Err   error
}

// Result is returned by Run once every stream is closed, or with whatever was relayed so far when Run fails.
type Result struct {
	ID     string
	Exit   ExitStatus
	Stdout StreamResult
	Stderr StreamResult
}

// Err joins the per-stream errors, or returns nil if both streams finished cleanly.
func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.Stdout.Err, r.Stderr.Err)
}

// ErrorKind classifies relay failures.
type ErrorKind int

const (
	ProbeFailure ErrorKind = iota + 1
	ReadFailure
	SinkFailure
	ChildStatusFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ProbeFailure:
		return "probe failure"
	case ReadFailure:
		return "read failure"
	case SinkFailure:
		return "sink failure"
	case ChildStatusFailure:
		return "child status failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	// ErrUnsupported is returned by NewStream when the requested probe kind is not available on this platform.
	ErrUnsupported = errors.New("relay: probe kind not supported on this platform")
	// ErrShortWrite is recorded when a sink accepts fewer bytes than it was given.
	ErrShortWrite = errors.New("relay: short write to sink")
)

// StreamError is a failure scoped to one stream. The other stream keeps relaying.
type StreamError struct {
	Stream string
	Kind   ErrorKind
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("relay: %s: %s: %s", e.Stream, e.Kind, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// StatusError means the child's exit status could not be queried. It aborts the whole relay.
type StatusError struct {
	Err error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: %s: %s", ChildStatusFailure, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }
