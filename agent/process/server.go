package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/guseggert/piperelay/relay"
	"github.com/guseggert/piperelay/spawn"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	// chunkBuffer is how many relayed chunks per stream may wait for the WebSocket before the relay blocks.
	chunkBuffer = 64
	// closeTimeout bounds how long the server waits for the client to close after the final message.
	closeTimeout = 5 * time.Second
)

type Server struct {
	Log *zap.SugaredLogger
	// RelayOptions are applied to every relay the server runs.
	RelayOptions []relay.Option
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	s.Log.Debug("accepted WebSocket conn")

	runner := &serverProcRunner{
		log:      s.Log.Named("server_runner"),
		conn:     wsConn,
		relayOpt: s.RelayOptions,
	}
	runner.run(r.Context())
}

type serverProcRunner struct {
	log      *zap.SugaredLogger
	conn     *websocket.Conn
	relayOpt []relay.Option
}

func (r *serverProcRunner) run(ctx context.Context) {
	child, err := r.readFirstMessageAndStart(ctx)
	if err != nil {
		r.log.Debugf("error starting process: %s", err)
		r.close(websocket.StatusInternalError, fmt.Sprintf("starting process: %s", err))
		return
	}
	r.log.Debugw("process started", "PID", child.Process.Pid)

	// the client sends nothing after the first message, so any read means it closed or went away
	ctx = r.conn.CloseRead(ctx)

	stdoutCh := make(chan []byte, chunkBuffer)
	stderrCh := make(chan []byte, chunkBuffer)

	group := &errgroup.Group{}
	group.Go(func() error {
		return r.pump(stdoutCh, &wsJSONWriter{
			log:      r.log.Named("stdout_writer"),
			ctx:      ctx,
			conn:     r.conn,
			writeMsg: func(b []byte) any { return procResponseMessage{Stdout: b} },
		})
	})
	group.Go(func() error {
		return r.pump(stderrCh, &wsJSONWriter{
			log:      r.log.Named("stderr_writer"),
			ctx:      ctx,
			conn:     r.conn,
			writeMsg: func(b []byte) any { return procResponseMessage{Stderr: b} },
		})
	})

	opts := append(append([]relay.Option{}, r.relayOpt...), relay.WithLogger(r.log))
	res, runErr := r.relay(ctx, child, &chanWriter{ctx: ctx, ch: stdoutCh}, &chanWriter{ctx: ctx, ch: stderrCh}, opts)
	close(stdoutCh)
	close(stderrCh)
	pumpErr := group.Wait()

	if ctx.Err() != nil {
		if !res.Exit.Exited {
			r.log.Debugw("connection closed before the process finished, killing it", "Error", runErr)
			if err := child.Kill(); err != nil {
				r.log.Debugf("error killing process: %s", err)
			}
		}
		r.close(websocket.StatusGoingAway, "connection closed")
		return
	}
	if pumpErr != nil {
		r.log.Debugf("error sending output: %s", pumpErr)
		r.close(websocket.StatusInternalError, "sending output")
		return
	}

	msg := resultMessage(res, runErr, time.Since(child.Started))
	if !res.Exit.Exited {
		// the relay gave up on the child, it must not outlive the connection
		_ = child.Kill()
	}
	r.log.Debugw("sending result", "Status", res.Exit.String(), "StdoutBytes", msg.StdoutBytes, "StderrBytes", msg.StderrBytes)
	if err := wsjson.Write(ctx, r.conn, msg); err != nil {
		r.log.Debugf("error sending result: %s", err)
		r.close(websocket.StatusInternalError, "sending result")
		return
	}

	select {
	case <-ctx.Done():
	case <-time.After(closeTimeout):
		r.log.Debug("timed out waiting for client to close")
	}
	r.close(websocket.StatusNormalClosure, "")
}

func (r *serverProcRunner) relay(ctx context.Context, child *spawn.Child, stdout, stderr *chanWriter, opts []relay.Option) (*relay.Result, error) {
	rl, err := child.Relay(stdout, stderr, opts...)
	if err != nil {
		_ = child.Kill()
		return &relay.Result{Exit: relay.ExitStatus{Code: -1}}, err
	}
	return rl.Run(ctx)
}

// pump forwards chunks to w until ch is closed. After a write error it keeps receiving so the relay never blocks on ch.
func (r *serverProcRunner) pump(ch <-chan []byte, w *wsJSONWriter) error {
	var err error
	for b := range ch {
		if err != nil {
			continue
		}
		_, err = w.Write(b)
	}
	return err
}

func (r *serverProcRunner) close(code websocket.StatusCode, reason string) {
	if err := r.conn.Close(code, reason); err != nil {
		r.log.Debugf("error closing conn: %s", err)
	}
}

func (r *serverProcRunner) readFirstMessageAndStart(ctx context.Context) (*spawn.Child, error) {
	var req procRequestMessage
	err := wsjson.Read(ctx, r.conn, &req)
	if err != nil {
		return nil, err
	}
	r.log.Debugw("got first message", "Message", req)

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = req.WD
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}
	return spawn.Start(cmd)
}

func resultMessage(res *relay.Result, runErr error, elapsed time.Duration) procResponseMessage {
	msg := procResponseMessage{
		StdoutDone:  true,
		StderrDone:  true,
		Exited:      res.Exit.Exited,
		ExitCode:    res.Exit.Code,
		Signal:      int(res.Exit.Signal),
		TimeMS:      elapsed.Milliseconds(),
		StdoutBytes: res.Stdout.Bytes,
		StderrBytes: res.Stderr.Bytes,
		RelayID:     res.ID,
	}
	if res.Stdout.Err != nil {
		msg.StdoutErr = res.Stdout.Err.Error()
	}
	if res.Stderr.Err != nil {
		msg.StderrErr = res.Stderr.Err.Error()
	}
	// per-stream errors are already carried above
	var statusErr *relay.StatusError
	if runErr != nil && (errors.As(runErr, &statusErr) || !res.Exit.Exited) {
		msg.Err = runErr.Error()
	}
	return msg
}
