package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signcam/streaming-server/pkg/types"
)

// ErrSourceClosed is returned by Deliver once the session stopped reading.
var ErrSourceClosed = errors.New("source closed")

// DecodeFunc turns one client message into a frame image.
type DecodeFunc func(data []byte) (image.Image, error)

// SocketSource yields frames pushed by a client, one message at a time.
// Deliver blocks until the session has taken the message, so at most one
// frame is pending per connection.
type SocketSource struct {
	decode DecodeFunc
	msgs   chan []byte
	done   chan struct{}
	once   sync.Once
	seq    uint64
}

// NewSocketSource returns a source that decodes messages with decode.
func NewSocketSource(decode DecodeFunc) *SocketSource {
	return &SocketSource{
		decode: decode,
		msgs:   make(chan []byte),
		done:   make(chan struct{}),
	}
}

// Deliver hands one message to the session.
func (s *SocketSource) Deliver(ctx context.Context, data []byte) error {
	select {
	case s.msgs <- data:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End marks the client as finished sending; Next then reports io.EOF.
func (s *SocketSource) End() {
	s.once.Do(func() { close(s.done) })
}

// Next waits for the next message. Messages that do not decode are
// reported as ErrFrameDropped and produce no reply.
func (s *SocketSource) Next(ctx context.Context) (*types.Frame, error) {
	select {
	case data := <-s.msgs:
		img, err := s.decode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFrameDropped, err)
		}
		s.seq++
		return &types.Frame{Image: img, Seq: s.seq, Timestamp: time.Now()}, nil
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unblocks any pending Deliver.
func (s *SocketSource) Close() error {
	s.End()
	return nil
}

// MessageWriter is the write side of a websocket connection.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
}

// SocketSink sends each encoded frame as one binary message.
type SocketSink struct {
	conn    MessageWriter
	timeout time.Duration
}

// NewSocketSink bounds every write by timeout when it is positive.
func NewSocketSink(conn MessageWriter, timeout time.Duration) *SocketSink {
	return &SocketSink{conn: conn, timeout: timeout}
}

func (s *SocketSink) Open() error { return nil }

func (s *SocketSink) Push(data []byte) error {
	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrPeerGone, err)
		}
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	return nil
}

// Finish sends a normal closure frame.
func (s *SocketSink) Finish() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteMessage(websocket.CloseMessage, msg)
}
