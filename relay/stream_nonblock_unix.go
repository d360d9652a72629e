//go:build unix

package relay

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// nonblockStream probes by reading. The probe and the read are one operation, so any bytes it gets
// come back in Availability.Data.
type nonblockStream struct {
	rawStream
}

func newNonblockStream(f *os.File) (Stream, error) {
	raw, err := newRawStream(f)
	if err != nil {
		return nil, err
	}
	var serr error
	err = raw.rc.Control(func(fd uintptr) {
		serr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		return nil, fmt.Errorf("accessing descriptor of %s: %w", f.Name(), err)
	}
	if serr != nil {
		return nil, fmt.Errorf("setting O_NONBLOCK on %s: %w", f.Name(), serr)
	}
	return &nonblockStream{rawStream: raw}, nil
}

func (s *nonblockStream) Probe(buf []byte) (Availability, error) {
	n, err := s.readNow(buf)
	switch {
	case err == errWouldBlock:
		return Availability{}, nil
	case err != nil:
		return Availability{}, err
	case n == 0:
		return Availability{Closed: true}, nil
	}
	return Availability{Ready: n, Data: buf[:n]}, nil
}

func (s *nonblockStream) ReadReady(p []byte) (int, error) {
	n, err := s.readNow(p)
	switch {
	case err == errWouldBlock:
		return 0, nil
	case err != nil:
		return 0, err
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}
