package server

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/signcam/streaming-server/internal/encoder"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/internal/stream"
)

// handleSocket runs one echo session per connection: every image the
// client sends comes back annotated, in order. The reader stays on the
// handler goroutine and hands messages to the session one at a time.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Server", "Websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(s.cfg.WSReadLimit)

	// The request context outlives a hijacked connection, so the reader
	// loop owns the session's lifetime.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	src := stream.NewSocketSource(encoder.Decode)
	sink := stream.NewSocketSink(conn, s.cfg.WSWriteTimeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.runSession(ctx, metrics.KindSocket, src, sink, s.stillEnc)
		// Unblocks ReadMessage when the session ended first.
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("Server", "Websocket read: %v", err)
			}
			break
		}
		if err := src.Deliver(ctx, data); err != nil {
			break
		}
	}

	// A gone client cannot take replies; stop any frame still waiting on
	// the gate.
	cancel()
	src.End()
	<-done
}
