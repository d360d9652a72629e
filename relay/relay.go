package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPollInterval is the pause between iterations that moved no bytes.
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultBufferSize bounds a single read.
	DefaultBufferSize = 32 * 1024
)

var errAlreadyRun = errors.New("relay: Run called more than once")

// Source pairs a stream with the sink its bytes are forwarded to. A nil Sink discards.
type Source struct {
	Stream Stream
	Sink   io.Writer
}

// Relay drains a child's stdout and stderr until both are closed and the child has exited.
// A Relay is driven by a single goroutine and can be Run once.
type Relay struct {
	id      string
	log     *zap.SugaredLogger
	cfg     Config
	watcher Watcher
	stdout  *drain
	stderr  *drain
	drains  []*drain
	ran     bool
}

type Option func(r *Relay)

// WithConfig applies every non-zero field of c.
func WithConfig(c Config) Option {
	return func(r *Relay) {
		r.cfg = r.cfg.merge(c)
	}
}

// WithPollInterval sets the pause between idle iterations. Shorter is more responsive, longer uses less CPU.
func WithPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		r.cfg.PollInterval = d
	}
}

// WithMaxPollInterval lets the idle pause grow linearly up to d while nothing is readable.
func WithMaxPollInterval(d time.Duration) Option {
	return func(r *Relay) {
		r.cfg.MaxPollInterval = d
	}
}

func WithBufferSize(n int) Option {
	return func(r *Relay) {
		r.cfg.BufferSize = n
	}
}

// WithProbeKind chooses the probe used by FromFiles. It has no effect on New.
func WithProbeKind(k ProbeKind) Option {
	return func(r *Relay) {
		r.cfg.ProbeKind = k
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Relay) {
		r.log = l
	}
}

func WithID(id string) Option {
	return func(r *Relay) {
		r.id = id
	}
}

func newRelay(watcher Watcher, opts []Option) *Relay {
	r := &Relay{
		id:      uuid.NewString(),
		log:     zap.NewNop().Sugar(),
		cfg:     DefaultConfig(),
		watcher: watcher,
	}
	for _, o := range opts {
		o(r)
	}
	r.cfg = r.cfg.normalize()
	r.log = r.log.Named("relay").With("RunID", r.id)
	return r
}

// New builds a Relay over two already-wrapped streams.
func New(watcher Watcher, stdout, stderr Source, opts ...Option) (*Relay, error) {
	if watcher == nil {
		return nil, errors.New("relay: nil watcher")
	}
	if stdout.Stream == nil || stderr.Stream == nil {
		return nil, errors.New("relay: nil stream")
	}
	r := newRelay(watcher, opts)
	r.stdout = newDrain("stdout", r.log, stdout.Stream, stdout.Sink, r.cfg.BufferSize)
	r.stderr = newDrain("stderr", r.log, stderr.Stream, stderr.Sink, r.cfg.BufferSize)
	r.drains = []*drain{r.stdout, r.stderr}
	return r, nil
}

// FromFiles builds a Relay over the read ends of the child's stdout and stderr pipes.
// The Relay takes ownership of both files; they are closed if FromFiles fails.
func FromFiles(watcher Watcher, stdout, stderr *os.File, stdoutSink, stderrSink io.Writer, opts ...Option) (*Relay, error) {
	closeFiles := func() {
		if stdout != nil {
			stdout.Close()
		}
		if stderr != nil {
			stderr.Close()
		}
	}
	if watcher == nil {
		closeFiles()
		return nil, errors.New("relay: nil watcher")
	}
	kind := configFrom(opts).ProbeKind
	stdoutStream, err := NewStream(stdout, kind)
	if err != nil {
		closeFiles()
		return nil, fmt.Errorf("wrapping stdout: %w", err)
	}
	stderrStream, err := NewStream(stderr, kind)
	if err != nil {
		stdoutStream.Close()
		closeFiles()
		return nil, fmt.Errorf("wrapping stderr: %w", err)
	}
	r, err := New(watcher, Source{Stream: stdoutStream, Sink: stdoutSink}, Source{Stream: stderrStream, Sink: stderrSink}, opts...)
	if err != nil {
		stdoutStream.Close()
		stderrStream.Close()
		return nil, err
	}
	return r, nil
}

// configFrom applies opts to the default config only.
func configFrom(opts []Option) Config {
	r := &Relay{cfg: DefaultConfig()}
	for _, o := range opts {
		o(r)
	}
	return r.cfg.normalize()
}

func (r *Relay) ID() string { return r.id }

// Run relays until both streams are closed and the child has exited.
//
// Per-stream failures do not stop the other stream. They are returned, joined, once the relay is complete,
// together with a non-nil Result. A failure to query the child's status stops the relay immediately.
// Cancelling ctx closes the streams and returns what was relayed so far; the child is left alone.
func (r *Relay) Run(ctx context.Context) (*Result, error) {
	if r.ran {
		return nil, errAlreadyRun
	}
	r.ran = true

	r.log.Debugw("starting relay", "PollInterval", r.cfg.PollInterval, "MaxPollInterval", r.cfg.MaxPollInterval, "BufferSize", r.cfg.BufferSize)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var status ExitStatus
	pause := r.cfg.PollInterval
	for {
		if err := ctx.Err(); err != nil {
			return r.abort(status, fmt.Errorf("relay canceled: %w", err))
		}

		moved := 0
		for _, d := range r.drains {
			if d.state != Closed {
				moved += d.poll()
			}
		}

		st, err := r.watcher.TryWait()
		if err != nil {
			return r.abort(status, &StatusError{Err: err})
		}
		if st.Exited {
			if !status.Exited {
				r.log.Debugw("child exited", "Status", st.String())
			}
			status = st
			for _, d := range r.drains {
				d.markDraining()
			}
		}

		if status.Exited && r.allClosed() {
			res := r.result(status)
			r.log.Debugw("relay complete", "Status", status.String(), "StdoutBytes", res.Stdout.Bytes, "StderrBytes", res.Stderr.Bytes)
			return res, res.Err()
		}

		if moved > 0 {
			pause = r.cfg.PollInterval
			runtime.Gosched()
			continue
		}

		timer.Reset(pause)
		select {
		case <-ctx.Done():
			return r.abort(status, fmt.Errorf("relay canceled: %w", ctx.Err()))
		case <-timer.C:
		}
		pause = r.nextPause(pause)
	}
}

// nextPause grows the idle pause by one poll interval, up to the maximum.
func (r *Relay) nextPause(d time.Duration) time.Duration {
	d += r.cfg.PollInterval
	if d > r.cfg.MaxPollInterval {
		return r.cfg.MaxPollInterval
	}
	return d
}

func (r *Relay) allClosed() bool {
	for _, d := range r.drains {
		if d.state != Closed {
			return false
		}
	}
	return true
}

func (r *Relay) abort(status ExitStatus, err error) (*Result, error) {
	for _, d := range r.drains {
		d.close()
	}
	res := r.result(status)
	r.log.Debugw("relay aborted", "Error", err)
	return res, errors.Join(err, res.Err())
}

func (r *Relay) result(status ExitStatus) *Result {
	return &Result{
		ID:     r.id,
		Exit:   status,
		Stdout: r.stdout.result(),
		Stderr: r.stderr.result(),
	}
}

// States reports the current state of stdout and stderr.
func (r *Relay) States() (stdout, stderr State) {
	return r.stdout.state, r.stderr.state
}
