//go:build unix

package relay

import (
	"os"

	"golang.org/x/sys/unix"
)

const defaultProbeKind = ProbeKindNonblock

// readNow issues exactly one read(2). It returns errWouldBlock instead of waiting for readiness.
func (s *rawStream) readNow(p []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := s.rc.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), p)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
		return 0, errWouldBlock
	}
	if rerr != nil {
		return 0, os.NewSyscallError("read", rerr)
	}
	return n, nil
}
