//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package relay

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// peekStream asks the kernel how many bytes are buffered (FIONREAD) without consuming them.
// A zero-timeout poll(2) tells an empty pipe apart from a hung-up one.
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
		ready  int
		closed bool
		perr   error
	)
	err := s.rc.Control(func(fd uintptr) {
		ready, closed, perr = peekFD(int(fd))
	})
	if err != nil {
		return Availability{}, err
	}
	if perr != nil {
		return Availability{}, perr
	}
	return Availability{Ready: ready, Closed: closed}, nil
}

func peekFD(fd int) (int, bool, error) {
	ready, err := unix.IoctlGetInt(fd, fionread)
	if err != nil {
		return 0, false, os.NewSyscallError("ioctl FIONREAD", err)
	}
	if ready > 0 {
		return ready, false, nil
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		_, err = unix.Poll(fds, 0)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, false, os.NewSyscallError("poll", err)
	}
	revents := fds[0].Revents
	if revents&unix.POLLNVAL != 0 {
		return 0, false, os.NewSyscallError("poll", syscall.EBADF)
	}
	if revents&(unix.POLLIN|unix.POLLHUP) == 0 {
		return 0, false, nil
	}
	// Readable with nothing buffered is EOF, unless bytes landed between the ioctl and the poll.
	ready, err = unix.IoctlGetInt(fd, fionread)
	if err != nil {
		return 0, false, os.NewSyscallError("ioctl FIONREAD", err)
	}
	return ready, ready == 0, nil
}

func (s *peekStream) ReadReady(p []byte) (int, error) {
	n, err := s.readNow(p)
	switch {
	case err == errWouldBlock:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("reading %s: %w", s.f.Name(), err)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}
