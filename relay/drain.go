package relay

import (
	"errors"
	"io"

	"go.uber.org/zap"
)

// drain owns one Stream and forwards what it reads to one sink.
type drain struct {
	name   string
	log    *zap.SugaredLogger
	stream Stream
	sink   io.Writer
	buf    []byte

	state State
	total int64
	err   error
	// sinkFailed routes further bytes to io.Discard.
	sinkFailed bool
}

func newDrain(name string, log *zap.SugaredLogger, stream Stream, sink io.Writer, bufSize int) *drain {
	if sink == nil {
		sink = io.Discard
	}
	return &drain{
		name:   name,
		log:    log.Named(name),
		stream: stream,
		sink:   sink,
		buf:    make([]byte, bufSize),
	}
}

// poll probes the stream once and forwards whatever is readable. It returns how many bytes moved.
func (d *drain) poll() int {
	avail, err := d.stream.Probe(d.buf)
	if err != nil {
		d.fail(ProbeFailure, err)
		return 0
	}
	var n int
	switch {
	case len(avail.Data) > 0:
		n = len(avail.Data)
		d.forward(avail.Data)
	case avail.Ready > 0:
		n, _ = d.drain(avail)
	}
	if avail.Closed {
		d.close()
	}
	return n
}

// drain performs one read bounded by avail.Ready and the buffer size.
// Reading fewer bytes than reported is expected when the buffer is smaller.
func (d *drain) drain(avail Availability) (int, error) {
	if avail.Ready <= 0 || d.state == Closed {
		return 0, nil
	}
	p := d.buf
	if avail.Ready < len(p) {
		p = p[:avail.Ready]
	}
	n, err := d.stream.ReadReady(p)
	if n > 0 {
		d.forward(p[:n])
	}
	if errors.Is(err, io.EOF) {
		d.close()
		return n, nil
	}
	if err != nil {
		d.fail(ReadFailure, err)
		return n, err
	}
	return n, nil
}

func (d *drain) forward(b []byte) {
	d.total += int64(len(b))
	if d.sinkFailed {
		return
	}
	n, err := d.sink.Write(b)
	if err == nil && n != len(b) {
		err = ErrShortWrite
	}
	if err != nil {
		d.sinkFailed = true
		d.err = errors.Join(d.err, &StreamError{Stream: d.name, Kind: SinkFailure, Err: err})
		d.log.Debugw("sink failed, discarding further output", "Error", err)
	}
}

func (d *drain) markDraining() {
	if d.state == Active {
		d.state = Draining
		d.log.Debug("child exited, draining")
	}
}

func (d *drain) fail(kind ErrorKind, err error) {
	d.err = errors.Join(d.err, &StreamError{Stream: d.name, Kind: kind, Err: err})
	d.log.Debugw("stream failed", "Kind", kind.String(), "Error", err)
	d.close()
}

// close moves the stream to Closed and releases the handle. It is safe to call more than once.
func (d *drain) close() {
	if d.state == Closed {
		return
	}
	d.state = Closed
	if err := d.stream.Close(); err != nil {
		d.log.Debugf("error closing stream: %s", err)
	}
	d.log.Debugw("stream closed", "Bytes", d.total)
}

func (d *drain) result() StreamResult {
	return StreamResult{Name: d.name, Bytes: d.total, Err: d.err}
}
