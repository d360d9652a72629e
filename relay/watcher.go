package relay

import (
	"fmt"
	"os"
)

// Watcher answers "has the child exited?" without blocking.
// After the child has exited, every call returns the same status.
type Watcher interface {
	TryWait() (ExitStatus, error)
}

// WatchProcess returns a Watcher for p.
//
// On unix the watcher reaps the child itself, so p.Wait (and exec.Cmd.Wait) must not be called afterwards.
// The status comes back from TryWait instead.
func WatchProcess(p *os.Process) (Watcher, error) {
	if p == nil || p.Pid <= 0 {
		return nil, fmt.Errorf("watching process: %w", os.ErrInvalid)
	}
	return newProcessWatcher(p), nil
}
