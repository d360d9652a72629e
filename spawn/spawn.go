// Package spawn starts a child process with its stdout and stderr connected to pipes the parent can relay.
//
// The child gets the write ends of two os.Pipes directly, so os/exec starts no copy goroutines and
// exec.Cmd.Wait is never needed: the relay's watcher reaps the child and the relay closes the read ends.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/piperelay/relay"
)

type Child struct {
	Cmd     *exec.Cmd
	Process *os.Process
	// Stdout and Stderr are the parent's read ends. They belong to the Relay once Relay is called.
	Stdout  *os.File
	Stderr  *os.File
	Started time.Time

	// watcher is set once Relay is called. After it has seen the exit, the pid may already belong to someone else.
	watcher relay.Watcher
}

// Start starts cmd. cmd.Stdout and cmd.Stderr must be unset; cmd.Stdin must be nil or an *os.File.
func Start(cmd *exec.Cmd) (*Child, error) {
	if cmd == nil {
		return nil, errors.New("nil command")
	}
	if cmd.Stdout != nil || cmd.Stderr != nil {
		return nil, errors.New("stdout or stderr already configured")
	}
	if cmd.Stdin != nil {
		if _, ok := cmd.Stdin.(*os.File); !ok {
			return nil, fmt.Errorf("stdin must be an *os.File, got %T", cmd.Stdin)
		}
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	err = cmd.Start()
	// The child holds its own copies of the write ends. Ours must go, or EOF never arrives.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}

	return &Child{
		Cmd:     cmd,
		Process: cmd.Process,
		Stdout:  stdoutR,
		Stderr:  stderrR,
		Started: start,
	}, nil
}

// Relay builds a Relay that forwards the child's output to the given sinks. Nil sinks discard.
func (c *Child) Relay(stdout, stderr io.Writer, opts ...relay.Option) (*relay.Relay, error) {
	watcher, err := relay.WatchProcess(c.Process)
	if err != nil {
		c.Stdout.Close()
		c.Stderr.Close()
		return nil, err
	}
	c.watcher = watcher
	return relay.FromFiles(watcher, c.Stdout, c.Stderr, stdout, stderr, opts...)
}

// Kill kills the child and reaps it, unless it is already known to have exited.
// Use it only when no relay is still running for the child, e.g. after the relay was cancelled.
func (c *Child) Kill() error {
	if c.watcher != nil {
		st, err := c.watcher.TryWait()
		if err == nil && st.Exited {
			return nil
		}
	}
	err := c.Process.Kill()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", c.Process.Pid, err)
	}
	// an error here means the child was already reaped
	_, _ = c.Process.Wait()
	return nil
}

// Run starts cmd and relays its output until it has exited and both streams are drained.
// If ctx is cancelled first, the child keeps running; it is the caller's to kill.
func Run(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Writer, opts ...relay.Option) (*relay.Result, error) {
	child, err := Start(cmd)
	if err != nil {
		return nil, err
	}
	r, err := child.Relay(stdout, stderr, opts...)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx)
}
