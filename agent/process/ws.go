package process

import (
	"context"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// break the messages into chunks based on max message size
	// the write limit is probably over-conservative, we are estimating the final encoded json size
	writeLimit := readLimit / 3
	leftToWrite := b
	for len(leftToWrite) > 0 {
		toWrite := leftToWrite
		if len(toWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
		}
		leftToWrite = leftToWrite[len(toWrite):]

		msg := w.writeMsg(toWrite)
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return len(b) - len(leftToWrite) - len(toWrite), err
		}
	}
	w.log.Debugf("wrote %d bytes", len(b))
	return len(b), nil
}

// chanWriter is the relay-side sink. It copies each chunk onto a bounded channel drained by a pump goroutine.
type chanWriter struct {
	ctx context.Context
	ch  chan<- []byte
}

func (w *chanWriter) Write(b []byte) (int, error) {
	// the relay reuses b once Write returns
	cp := append([]byte(nil), b...)
	select {
	case w.ch <- cp:
		return len(b), nil
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	}
}
