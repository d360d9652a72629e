//go:build windows

package relay

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/windows"
)

// Anonymous pipe handles cannot be switched to non-blocking mode after creation,
// but PeekNamedPipe on them returns immediately whatever the handle's mode.
const defaultProbeKind = ProbeKindPeek

func newNonblockStream(*os.File) (Stream, error) { return nil, ErrUnsupported }

type peekStream struct {
	rawStream
}

func newPeekStream(f *os.File) (Stream, error) {
	raw, err := newRawStream(f)
	if err != nil {
		return nil, err
	}
	return &peekStream{rawStream: raw}, nil
}

func (s *peekStream) Probe([]byte) (Availability, error) {
	var (
		avail uint32
		perr  error
	)
	err := s.rc.Control(func(fd uintptr) {
		perr = windows.PeekNamedPipe(windows.Handle(fd), nil, 0, nil, &avail, nil)
	})
	if err != nil {
		return Availability{}, err
	}
	if errors.Is(perr, windows.ERROR_BROKEN_PIPE) {
		// The pipe only reports broken once the buffered bytes are gone.
		return Availability{Closed: avail == 0, Ready: int(avail)}, nil
	}
	if perr != nil {
		return Availability{}, os.NewSyscallError("PeekNamedPipe", perr)
	}
	return Availability{Ready: int(avail)}, nil
}

func (s *peekStream) ReadReady(p []byte) (int, error) {
	var (
		done uint32
		rerr error
	)
	err := s.rc.Control(func(fd uintptr) {
		rerr = windows.ReadFile(windows.Handle(fd), p, &done, nil)
	})
	if err != nil {
		return 0, err
	}
	if errors.Is(rerr, windows.ERROR_BROKEN_PIPE) {
		return int(done), io.EOF
	}
	if rerr != nil {
		return int(done), fmt.Errorf("reading %s: %w", s.f.Name(), os.NewSyscallError("ReadFile", rerr))
	}
	if done == 0 {
		return 0, io.EOF
	}
	return int(done), nil
}
