//go:build unix

package agent

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/piperelay/agent/process"
	inet "github.com/guseggert/piperelay/internal/net"
	"github.com/guseggert/piperelay/relay"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func startAgent(t *testing.T, opts ...Option) *Client {
	port, err := inet.GetEphemeralTCPPort()
	require.NoError(t, err)

	opts = append([]Option{
		WithListenAddr(fmt.Sprintf("127.0.0.1:%d", port)),
		WithRelayOptions(relay.WithPollInterval(time.Millisecond)),
	}, opts...)
	agent, err := New(opts...)
	require.NoError(t, err)

	go agent.Run()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
	})

	client, err := NewClient(log, "127.0.0.1", port)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(ctx))
	return client
}

func TestHeartbeatFailureHandler(t *testing.T) {
	failed := make(chan struct{}, 1)
	startAgent(t,
		WithHeartbeatTimeout(10*time.Millisecond),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat failure handler was never called")
	}
}

func TestHeartbeatKeepsAgentAlive(t *testing.T) {
	failed := make(chan struct{}, 1)
	client := startAgent(t,
		WithHeartbeatTimeout(2*time.Second),
		WithHeartbeatFailureHandler(func() {
			select {
			case failed <- struct{}{}:
			default:
			}
		}),
	)
	client.StartHeartbeat(100 * time.Millisecond)
	defer client.StopHeartbeat()

	select {
	case <-failed:
		t.Fatal("heartbeat failure handler called while heartbeats were being sent")
	case <-time.After(3 * time.Second):
	}
}

func TestUnreachableAgent(t *testing.T) {
	port, err := inet.GetEphemeralTCPPort()
	require.NoError(t, err)
	client, err := NewClient(log, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	err = client.SendHeartbeat(context.Background())
	require.Error(t, err)
}

func TestPostCommand(t *testing.T) {
	ctx := context.Background()
	client := startAgent(t)

	cases := []struct {
		name      string
		req       PostCommandRequest
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:      "happy case",
			req:       PostCommandRequest{Command: "echo", Args: []string{"hello"}},
			expStdout: "hello\n",
		},
		{
			name:      "both streams and an exit code",
			req:       PostCommandRequest{Command: "sh", Args: []string{"-c", "printf foo; printf bar 1>&2; exit 3"}},
			expStdout: "foo",
			expStderr: "bar",
			expCode:   3,
		},
		{
			name:      "env and working dir",
			req:       PostCommandRequest{Command: "sh", Args: []string{"-c", "printf $FOO; pwd"}, Env: []string{"FOO=bar"}, WorkingDir: "/"},
			expStdout: "bar/\n",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, err := client.Run(ctx, c.req)
			require.NoError(t, err)

			assert.Equal(t, c.expStdout, resp.Stdout)
			assert.Equal(t, c.expStderr, resp.Stderr)
			assert.Equal(t, c.expCode, resp.ExitCode)
			assert.Empty(t, resp.StdoutErr)
			assert.Empty(t, resp.StderrErr)
			assert.NotEmpty(t, resp.RelayID)
		})
	}
}

func TestPostCommandErrors(t *testing.T) {
	ctx := context.Background()
	client := startAgent(t)

	_, err := client.Run(ctx, PostCommandRequest{})
	require.ErrorContains(t, err, "400")

	// server errors are retried, then reported without the response
	_, err = client.Run(ctx, PostCommandRequest{Command: "/nonexistent/binary"})
	require.Error(t, err)
}

func TestStreamCommand(t *testing.T) {
	ctx := context.Background()
	client := startAgent(t)

	cases := []struct {
		name      string
		cmd       string
		args      []string
		env       []string
		noWriters bool
		expStdout string
		expStderr string
		expCode   int
	}{
		{
			name:      "happy case",
			cmd:       "echo",
			args:      []string{"hello"},
			expStdout: "hello\n",
		},
		{
			name:      "happy case, no writers",
			cmd:       "sh",
			args:      []string{"-c", "printf foo; printf bar 1>&2"},
			noWriters: true,
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "interleaved streams with exit code",
			cmd:       "sh",
			args:      []string{"-c", "printf A; printf B 1>&2; printf C; exit 3"},
			expStdout: "AC",
			expStderr: "B",
			expCode:   3,
		},
		{
			name:      "env",
			cmd:       "sh",
			args:      []string{"-c", "printf $FOO"},
			env:       []string{"FOO=bar"},
			expStdout: "bar",
		},
		{
			name:      "output larger than a message",
			cmd:       "sh",
			args:      []string{"-c", "head -c 100000 /dev/zero | tr '\\0' x"},
			expStdout: strings.Repeat("x", 100000),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			req := process.StartProcRequest{
				Command: c.cmd,
				Args:    c.args,
				Env:     c.env,
			}
			var stdoutBuf, stderrBuf bytes.Buffer
			if !c.noWriters {
				req.Stdout = &stdoutBuf
				req.Stderr = &stderrBuf
			}

			proc, err := client.StartProc(ctx, req)
			require.NoError(t, err)

			res, err := proc.Wait(ctx)
			require.NoError(t, err)

			assert.True(t, res.Exit.Exited)
			assert.Equal(t, c.expCode, res.Exit.Code)
			assert.EqualValues(t, len(c.expStdout), res.Stdout.Bytes)
			assert.EqualValues(t, len(c.expStderr), res.Stderr.Bytes)
			assert.NotEmpty(t, res.ID)
			if !c.noWriters {
				assert.Equal(t, c.expStdout, stdoutBuf.String())
				assert.Equal(t, c.expStderr, stderrBuf.String())
			}
		})
	}
}

type syncBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

func TestStreamCommandKilledOnDisconnect(t *testing.T) {
	client := startAgent(t)

	stdout := &syncBuffer{}
	proc, err := client.StartProc(context.Background(), process.StartProcRequest{
		Command: "sh",
		Args:    []string{"-c", "echo $$; exec sleep 30"},
		Stdout:  stdout,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return strings.HasSuffix(stdout.String(), "\n") }, 5*time.Second, 10*time.Millisecond)
	pid, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = proc.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// the agent runs in this process, so the killed child is reaped here and its pid disappears
	assert.Eventually(t, func() bool {
		return syscall.Kill(pid, 0) == syscall.ESRCH
	}, 5*time.Second, 10*time.Millisecond)
}
