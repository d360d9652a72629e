package relay

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Stream is the parent's read end of one of the child's output pipes.
//
// Probe must never block. A peek-based Stream reports how many bytes are buffered and leaves them in place;
// a consuming Stream reads into buf and returns those bytes in Availability.Data.
// ReadReady is only called after Probe reported Ready > 0, with len(p) <= Ready.
// It returns io.EOF when the write end is gone.
type Stream interface {
	Probe(buf []byte) (Availability, error)
	ReadReady(p []byte) (int, error)
	Close() error
}

// ProbeKind selects how a Stream built by NewStream discovers readable bytes.
type ProbeKind int

const (
	// ProbeKindDefault uses the platform default: non-blocking reads on unix, peeking on Windows.
	ProbeKindDefault ProbeKind = iota
	ProbeKindNonblock
	ProbeKindPeek
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeKindDefault:
		return "default"
	case ProbeKindNonblock:
		return "nonblock"
	case ProbeKindPeek:
		return "peek"
	default:
		return fmt.Sprintf("probekind(%d)", int(k))
	}
}

// ParseProbeKind parses "default", "nonblock" or "peek". The empty string means default.
func ParseProbeKind(s string) (ProbeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ProbeKindDefault, nil
	case "nonblock", "non-blocking":
		return ProbeKindNonblock, nil
	case "peek":
		return ProbeKindPeek, nil
	}
	return ProbeKindDefault, fmt.Errorf("unknown probe kind %q", s)
}

func (k ProbeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *ProbeKind) UnmarshalText(b []byte) error {
	parsed, err := ParseProbeKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

var errWouldBlock = errors.New("relay: would block")

// NewStream wraps the read end of a pipe. The Stream owns f from here on and closes it exactly once.
func NewStream(f *os.File, kind ProbeKind) (Stream, error) {
	if f == nil {
		return nil, fmt.Errorf("nil file: %w", os.ErrInvalid)
	}
	if kind == ProbeKindDefault {
		kind = defaultProbeKind
	}
	switch kind {
	case ProbeKindNonblock:
		return newNonblockStream(f)
	case ProbeKindPeek:
		return newPeekStream(f)
	}
	return nil, fmt.Errorf("unknown probe kind %d", int(kind))
}

// rawStream is the descriptor plumbing shared by the platform streams.
// Reads go through syscall.RawConn so that the runtime poller never parks the relay goroutine.
type rawStream struct {
	f  *os.File
	rc syscall.RawConn
}

func newRawStream(f *os.File) (rawStream, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return rawStream{}, fmt.Errorf("getting raw conn for %s: %w", f.Name(), err)
	}
	return rawStream{f: f, rc: rc}, nil
}

func (s *rawStream) Close() error { return s.f.Close() }
