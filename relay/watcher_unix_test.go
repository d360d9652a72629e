//go:build unix

package relay

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitExited(t *testing.T, w Watcher) ExitStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := w.TryWait()
		require.NoError(t, err)
		if st.Exited {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("child did not exit")
	return ExitStatus{}
}

func TestWatchProcessExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	require.NoError(t, cmd.Start())

	w, err := WatchProcess(cmd.Process)
	require.NoError(t, err)

	st := waitExited(t, w)
	assert.Equal(t, ExitStatus{Exited: true, Code: 7}, st)

	// the child is reaped; later calls return the cached status
	for i := 0; i < 3; i++ {
		again, err := w.TryWait()
		require.NoError(t, err)
		assert.Equal(t, st, again)
	}
}

func TestWatchProcessSignal(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -9 $$")
	require.NoError(t, cmd.Start())

	w, err := WatchProcess(cmd.Process)
	require.NoError(t, err)

	st := waitExited(t, w)
	assert.True(t, st.Exited)
	assert.Equal(t, -1, st.Code)
	assert.Equal(t, syscall.SIGKILL, st.Signal)
	assert.Equal(t, "signal: killed", st.String())
}

func TestWatchProcessRunning(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		cmd.Process.Kill()
		cmd.Process.Wait()
	})

	w, err := WatchProcess(cmd.Process)
	require.NoError(t, err)
	st, err := w.TryWait()
	require.NoError(t, err)
	assert.False(t, st.Exited)
}

func TestWatchProcessInvalid(t *testing.T) {
	_, err := WatchProcess(nil)
	assert.ErrorIs(t, err, os.ErrInvalid)
}
