//go:build windows

package relay

import (
	"os"
	"sync"
)

// processWatcher waits once in the background and publishes the result through done.
// Windows has no WNOHANG equivalent on *os.Process.
type processWatcher struct {
	p     *os.Process
	once  sync.Once
	done  chan struct{}
	state *os.ProcessState
	err   error
}

func newProcessWatcher(p *os.Process) *processWatcher {
	return &processWatcher{p: p, done: make(chan struct{})}
}

func (w *processWatcher) TryWait() (ExitStatus, error) {
	w.once.Do(func() {
		go func() {
			w.state, w.err = w.p.Wait()
			close(w.done)
		}()
	})
	select {
	case <-w.done:
	default:
		return ExitStatus{}, nil
	}
	if w.err != nil {
		return ExitStatus{}, w.err
	}
	return ExitStatus{Exited: true, Code: w.state.ExitCode()}, nil
}
