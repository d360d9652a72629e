package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"

	"github.com/guseggert/piperelay/relay"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

type StartProcRequest struct {
	Command string
	Args    []string
	Env     []string
	WD      string

	// Stdout and Stderr receive the relayed output. Nil discards.
	// Writers that are also io.Closers are closed once their stream is done.
	Stdout io.Writer
	Stderr io.Writer
}

type Process struct {
	runner *clientProcRunner
}

// Wait blocks until the remote relay finishes and returns its result.
// The returned error is the relay's error, if any, in the same shape relay.Run reports it.
func (p *Process) Wait(ctx context.Context) (*relay.Result, error) {
	return p.runner.wait(ctx)
}

func (c *Client) StartProc(ctx context.Context, req StartProcRequest) (*Process, error) {
	log := c.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("dialing WebSocket for run", "URL", c.URL)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn to run: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	runner := &clientProcRunner{
		conn:   wsConn,
		log:    log.Named("command_runner"),
		ctx:    ctx,
		cancel: cancel,
		req:    req,

		stdout: io.Discard,
		stderr: io.Discard,

		stdoutCh: make(chan []byte),
		stderrCh: make(chan []byte),

		resultCh: make(chan cmdResult, 1),
	}
	if req.Stdout != nil {
		runner.stdout = req.Stdout
	}
	if req.Stderr != nil {
		runner.stderr = req.Stderr
	}

	err = runner.run()
	if err != nil {
		return nil, err
	}
	return &Process{runner: runner}, nil
}

type clientProcRunner struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()
	req    StartProcRequest

	stderr io.Writer
	stdout io.Writer

	stdoutCh chan []byte
	stderrCh chan []byte

	resultCh chan cmdResult

	wg sync.WaitGroup

	closeConnOnce sync.Once
}

func (r *clientProcRunner) shutdown() {
	r.cancel()
	r.wg.Wait()
}

func (r *clientProcRunner) run() error {
	r.wg.Add(2)
	go r.copyOutput("stdout", r.stdout, r.stdoutCh)
	go r.copyOutput("stderr", r.stderr, r.stderrCh)

	err := wsjson.Write(r.ctx, r.conn, procRequestMessage{
		Command: r.req.Command,
		Args:    r.req.Args,
		Env:     r.req.Env,
		WD:      r.req.WD,
	})
	if err != nil {
		close(r.stdoutCh)
		close(r.stderrCh)
		r.shutdown()
		r.close(websocket.StatusInternalError, err.Error())
		return fmt.Errorf("writing first message: %w", err)
	}

	go r.readMessages()
	return nil
}

func (r *clientProcRunner) wait(ctx context.Context) (*relay.Result, error) {
	select {
	case res := <-r.resultCh:
		r.log.Debugw("got result", "Error", res.err)
		return res.res, res.err
	case <-ctx.Done():
		err := ctx.Err()
		r.log.Debugf("wait context done: %s", err)
		r.close(websocket.StatusNormalClosure, "")
		return nil, err
	}
}

func (r *clientProcRunner) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	r.closeConnOnce.Do(func() {
		err := r.conn.Close(code, reason)
		if err != nil {
			r.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (r *clientProcRunner) readMessages() {
	var closeStdoutOnce, closeStderrOnce sync.Once
	closeStdout := func() { closeStdoutOnce.Do(func() { close(r.stdoutCh) }) }
	closeStderr := func() { closeStderrOnce.Do(func() { close(r.stderrCh) }) }

	// the result is only published once every output byte has been handed to the writers
	finish := func(res cmdResult) {
		closeStdout()
		closeStderr()
		r.shutdown()
		r.resultCh <- res
	}

	// The client always initiates the close when it decides that it's done.
	for {
		var msg procResponseMessage
		err := wsjson.Read(r.ctx, r.conn, &msg)
		if websocket.CloseStatus(err) != -1 {
			finish(cmdResult{err: fmt.Errorf("conn unexpectedly closed: %w", err)})
			return
		}
		if err != nil {
			r.log.Debugf("message reader got error: %s", err)
			r.close(websocket.StatusInternalError, err.Error())
			finish(cmdResult{err: err})
			return
		}
		if len(msg.Stdout) > 0 {
			if !r.send(r.stdoutCh, msg.Stdout) {
				finish(cmdResult{err: r.ctx.Err()})
				return
			}
		}
		if len(msg.Stderr) > 0 {
			if !r.send(r.stderrCh, msg.Stderr) {
				finish(cmdResult{err: r.ctx.Err()})
				return
			}
		}
		if msg.StdoutDone {
			closeStdout()
		}
		if msg.StderrDone {
			closeStderr()
		}
		if msg.StdoutDone && msg.StderrDone {
			r.close(websocket.StatusNormalClosure, "")
			res := resultFromMessage(msg)
			err := res.Err()
			if msg.Err != "" {
				err = errors.New(msg.Err)
			}
			finish(cmdResult{res: res, err: err})
			return
		}
	}
}

func (r *clientProcRunner) send(ch chan<- []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *clientProcRunner) copyOutput(name string, w io.Writer, ch <-chan []byte) {
	defer r.wg.Done()
	defer func() {
		if closer, ok := w.(io.Closer); ok {
			closer.Close()
		}
	}()
	var err error
	for b := range ch {
		if err != nil {
			continue
		}
		if _, err = w.Write(b); err != nil {
			r.log.Debugf("%s writer got write error: %s", name, err)
		}
	}
}

func resultFromMessage(msg procResponseMessage) *relay.Result {
	res := &relay.Result{
		ID: msg.RelayID,
		Exit: relay.ExitStatus{
			Exited: msg.Exited,
			Code:   msg.ExitCode,
			Signal: syscall.Signal(msg.Signal),
		},
		Stdout: relay.StreamResult{Name: "stdout", Bytes: msg.StdoutBytes},
		Stderr: relay.StreamResult{Name: "stderr", Bytes: msg.StderrBytes},
	}
	if msg.StdoutErr != "" {
		res.Stdout.Err = errors.New(msg.StdoutErr)
	}
	if msg.StderrErr != "" {
		res.Stderr.Err = errors.New(msg.StderrErr)
	}
	return res
}

type cmdResult struct {
	res *relay.Result
	err error
}
