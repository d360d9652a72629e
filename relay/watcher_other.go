//go:build !unix && !windows

package relay

import "os"

type processWatcher struct{}

func newProcessWatcher(*os.Process) *processWatcher { return &processWatcher{} }

func (*processWatcher) TryWait() (ExitStatus, error) { return ExitStatus{}, ErrUnsupported }
