package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/piperelay/agent/process"
	"github.com/guseggert/piperelay/relay"
	"github.com/guseggert/piperelay/spawn"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Agent is an HTTP server that runs commands on its host and relays their output back to the caller.
type Agent struct {
	logger *zap.SugaredLogger

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	relayOpts               []relay.Option

	httpServer    *http.Server
	commandServer *process.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

// WithHeartbeatTimeout sets how long the agent waits for a heartbeat before calling the heartbeat failure handler.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRelayOptions configures every relay the agent runs, for both buffered and streamed commands.
func WithRelayOptions(opts ...relay.Option) Option {
	return func(a *Agent) {
		a.relayOpts = append(a.relayOpts, opts...)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// New constructs a new agent.
func New(opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:           logger.Named("agent").Sugar(),
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	a.commandServer = &process.Server{
		Log:          a.logger.Named("command_server"),
		RelayOptions: a.relayOpts,
	}

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/command", a.commandWS)
	router.POST("/command", a.command)
	a.httpServer = &http.Server{Handler: router}

	return a, nil
}

// startHeartbeatCheck starts a goroutine that calls the failure handler whenever no heartbeat arrived within the timeout.
func (a *Agent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	if a.heartbeatFailureHandler == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.heartbeatFailureHandler()
			}
		}
	}()
}

func (a *Agent) runHTTPServer() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	a.logger.Debugw("listening", "Addr", listener.Addr().String())

	err = a.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run runs the agent and returns once the agent has stopped.
func (a *Agent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

type PostCommandRequest struct {
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
}

type PostCommandResponse struct {
	ExitCode  int
	Signal    int    `json:",omitempty"`
	Stdout    string
	Stderr    string
	// StdoutErr and StderrErr report a relay failure on that stream. The output fields hold whatever was relayed.
	StdoutErr string `json:",omitempty"`
	StderrErr string `json:",omitempty"`
	RelayID   string
}

func (a *Agent) commandWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.commandServer.ServeHTTP(w, r)
}

// command is a simple command runner which relays all of stdout and stderr into the response.
// This is much easier to curl and write simple clients against, but doesn't stream output.
func (a *Agent) command(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req PostCommandRequest
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "request contained no command", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	log := a.logger.With("RequestID", id)

	cmd := exec.Command(req.Command, req.Args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	child, err := spawn.Start(cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Debugw("process started", "Command", req.Command, "PID", child.Process.Pid)

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	opts := append(append([]relay.Option{}, a.relayOpts...), relay.WithLogger(log), relay.WithID(id))
	rl, err := child.Relay(stdout, stderr, opts...)
	if err != nil {
		_ = child.Kill()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// If the request is aborted, the relay is cancelled and the process is killed.
	res, runErr := rl.Run(r.Context())
	if r.Context().Err() != nil {
		if !res.Exit.Exited {
			log.Debugw("request aborted, killing process", "Error", runErr)
			_ = child.Kill()
		}
		return
	}
	if !res.Exit.Exited {
		_ = child.Kill()
		http.Error(w, runErr.Error(), http.StatusInternalServerError)
		return
	}

	resp := PostCommandResponse{
		ExitCode: res.Exit.Code,
		Signal:   int(res.Exit.Signal),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		RelayID:  res.ID,
	}
	if res.Stdout.Err != nil {
		resp.StdoutErr = res.Stdout.Err.Error()
	}
	if res.Stderr.Err != nil {
		resp.StderrErr = res.Stderr.Err.Error()
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(b)
}

func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return a.httpServer.Close()
}
