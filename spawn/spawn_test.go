//go:build unix

package spawn

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/piperelay/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

var probeKinds = []relay.ProbeKind{relay.ProbeKindNonblock, relay.ProbeKindPeek}

func opts(kind relay.ProbeKind) []relay.Option {
	return []relay.Option{
		relay.WithLogger(log),
		relay.WithProbeKind(kind),
		relay.WithPollInterval(time.Millisecond),
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type countingWriter struct{ n atomic.Int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n.Add(int64(len(p)))
	return len(p), nil
}

func TestRun(t *testing.T) {
	cases := []struct {
		name      string
		script    string
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:      "interleaved streams",
			script:    "printf A; printf B 1>&2; printf C; exit 3",
			expStdout: "AC",
			expStderr: "B",
			expCode:   3,
		},
		{
			name:      "single trailing byte on stderr",
			script:    "printf x 1>&2",
			expStderr: "x",
		},
		{
			name:      "no output",
			script:    "exit 0",
			expStdout: "",
		},
		{
			name:      "small bursts up to exit",
			script:    "i=0; while [ $i -lt 300 ]; do echo $i; echo e$i 1>&2; i=$((i+1)); done",
			expStdout: seq("", 300),
			expStderr: seq("e", 300),
		},
		{
			name:      "grandchild keeps the pipe open after the child exits",
			script:    "(sleep 0.2; printf late) & printf early",
			expStdout: "earlylate",
		},
	}
	for _, kind := range probeKinds {
		for _, c := range cases {
			c := c
			t.Run(kind.String()+"/"+c.name, func(t *testing.T) {
				var stdout, stderr bytes.Buffer
				res, err := Run(testCtx(t), exec.Command("sh", "-c", c.script), &stdout, &stderr, opts(kind)...)
				require.NoError(t, err)

				assert.Equal(t, c.expStdout, stdout.String())
				assert.Equal(t, c.expStderr, stderr.String())
				assert.True(t, res.Exit.Exited)
				assert.Equal(t, c.expCode, res.Exit.Code)
				assert.EqualValues(t, len(c.expStdout), res.Stdout.Bytes)
				assert.EqualValues(t, len(c.expStderr), res.Stderr.Bytes)
			})
		}
	}
}

func seq(prefix string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%s%d\n", prefix, i)
	}
	return b.String()
}

func TestRunLargeBurst(t *testing.T) {
	const size = 10 * 1024 * 1024
	for _, kind := range probeKinds {
		t.Run(kind.String(), func(t *testing.T) {
			stdout := &countingWriter{}
			cmd := exec.Command("sh", "-c", fmt.Sprintf("head -c %d /dev/zero", size))
			res, err := Run(testCtx(t), cmd, stdout, nil, opts(kind)...)
			require.NoError(t, err)

			assert.EqualValues(t, size, stdout.n.Load())
			assert.EqualValues(t, size, res.Stdout.Bytes)
			assert.Zero(t, res.Stderr.Bytes)
			assert.Equal(t, 0, res.Exit.Code)
		})
	}
}

func TestRunConcurrentRelays(t *testing.T) {
	group, ctx := errgroup.WithContext(testCtx(t))
	for i := 0; i < 8; i++ {
		i := i
		group.Go(func() error {
			var stdout, stderr bytes.Buffer
			script := fmt.Sprintf("printf out%d; printf err%d 1>&2; exit %d", i, i, i)
			res, err := Run(ctx, exec.Command("sh", "-c", script), &stdout, &stderr, opts(relay.ProbeKindDefault)...)
			if err != nil {
				return err
			}
			if stdout.String() != fmt.Sprintf("out%d", i) || stderr.String() != fmt.Sprintf("err%d", i) {
				return fmt.Errorf("relay %d: got stdout %q stderr %q", i, stdout.String(), stderr.String())
			}
			if res.Exit.Code != i {
				return fmt.Errorf("relay %d: got exit code %d", i, res.Exit.Code)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestCancelLeavesChildRunning(t *testing.T) {
	child, err := Start(exec.Command("sh", "-c", "printf started; sleep 5"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = child.Kill() })

	var stdout bytes.Buffer
	r, err := child.Relay(&stdout, nil, opts(relay.ProbeKindDefault)...)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "started", stdout.String())
	assert.False(t, res.Exit.Exited)

	// still alive: signal 0 only checks for existence
	assert.NoError(t, child.Process.Signal(syscall.Signal(0)))
	assert.NoError(t, child.Kill())
}

func TestStartValidates(t *testing.T) {
	_, err := Start(nil)
	require.Error(t, err)

	cmd := exec.Command("true")
	cmd.Stdout = &bytes.Buffer{}
	_, err = Start(cmd)
	require.Error(t, err)

	cmd = exec.Command("cat")
	cmd.Stdin = strings.NewReader("x")
	_, err = Start(cmd)
	require.Error(t, err)

	_, err = Start(exec.Command("/nonexistent/binary"))
	require.Error(t, err)
}

type exitedWatcher struct{}

func (exitedWatcher) TryWait() (relay.ExitStatus, error) {
	return relay.ExitStatus{Exited: true}, nil
}

func TestKillSkipsExitedChild(t *testing.T) {
	// a reaped child's pid can be reused; here it "belongs" to an unrelated live process
	other := exec.Command("sleep", "5")
	require.NoError(t, other.Start())
	t.Cleanup(func() {
		_ = other.Process.Kill()
		_ = other.Wait()
	})

	child := &Child{Process: other.Process, watcher: exitedWatcher{}}
	require.NoError(t, child.Kill())
	assert.NoError(t, other.Process.Signal(syscall.Signal(0)))
}

func TestKillAfterCancelOnceChildExited(t *testing.T) {
	child, err := Start(exec.Command("sh", "-c", "(sleep 1; printf late) & printf early"))
	require.NoError(t, err)

	var stdout bytes.Buffer
	r, err := child.Relay(&stdout, nil, opts(relay.ProbeKindDefault)...)
	require.NoError(t, err)

	// the child exits right away, the grandchild keeps stdout open past the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	res, err := r.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, res.Exit.Exited)
	assert.Equal(t, "early", stdout.String())

	require.NoError(t, child.Kill())
}
