//go:build unix

package relay

import (
	"os"

	"golang.org/x/sys/unix"
)

type processWatcher struct {
	pid    int
	exited bool
	status ExitStatus
}

func newProcessWatcher(p *os.Process) *processWatcher {
	return &processWatcher{pid: p.Pid}
}

func (w *processWatcher) TryWait() (ExitStatus, error) {
	if w.exited {
		return w.status, nil
	}
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(w.pid, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return ExitStatus{}, os.NewSyscallError("wait4", err)
		}
		if pid == 0 {
			return ExitStatus{}, nil
		}
		break
	}
	w.status = exitStatusOf(ws)
	w.exited = true
	return w.status, nil
}

func exitStatusOf(ws unix.WaitStatus) ExitStatus {
	if ws.Signaled() {
		return ExitStatus{Exited: true, Code: -1, Signal: ws.Signal()}
	}
	return ExitStatus{Exited: true, Code: ws.ExitStatus()}
}
