package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/stream"
)

// SessionEvent is published on every session state change.
type SessionEvent struct {
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	State     string  `json:"state"`
	FramesIn  uint64  `json:"frames_in"`
	FramesOut uint64  `json:"frames_out"`
	Skipped   uint64  `json:"frames_skipped"`
	Timestamp float64 `json:"timestamp"`
}

func newSessionEvent(s *stream.Session, state stream.State) SessionEvent {
	info := s.Info()
	return SessionEvent{
		SessionID: info.ID,
		Kind:      info.Kind,
		State:     state.String(),
		FramesIn:  info.Pulled,
		FramesOut: info.Delivered,
		Skipped:   info.Skipped,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
}

// SerializedEvent holds pre-serialized data in both formats.
type SerializedEvent struct {
	JSONData     []byte
	ProtobufData []byte // base64 of a protobuf Struct, for SSE transport
}

// EventBroadcaster fans session events out to SSE clients. Slow clients
// miss events rather than block publishers.
type EventBroadcaster struct {
	mu      sync.Mutex
	clients map[int]chan *SerializedEvent
	nextID  int
	stopped bool
}

// NewEventBroadcaster creates a broadcaster with no clients.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients: make(map[int]chan *SerializedEvent),
	}
}

// Subscribe adds a new client and returns a channel for receiving events.
func (eb *EventBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	id := eb.nextID
	eb.nextID++
	ch := make(chan *SerializedEvent, 16)
	if eb.stopped {
		close(ch)
		return id, ch
	}
	eb.clients[id] = ch

	logger.Debug("EventBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(eb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (eb *EventBroadcaster) Unsubscribe(id int) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if ch, ok := eb.clients[id]; ok {
		close(ch)
		delete(eb.clients, id)
		logger.Debug("EventBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(eb.clients))
	}
}

// Clients returns the number of subscribers.
func (eb *EventBroadcaster) Clients() int {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	return len(eb.clients)
}

// Publish serializes ev once and offers it to every client.
func (eb *EventBroadcaster) Publish(ev SessionEvent) {
	if eb.Clients() == 0 {
		return
	}

	serialized, err := serializeEvent(ev)
	if err != nil {
		logger.Error("EventBroadcaster", "Serialize event: %v", err)
		return
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, ch := range eb.clients {
		select {
		case ch <- serialized:
		default:
			logger.Debug("EventBroadcaster", "Client #%d too slow, dropping event", id)
		}
	}
}

// Stop closes every client channel.
func (eb *EventBroadcaster) Stop() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}
	eb.stopped = true
	for id, ch := range eb.clients {
		close(ch)
		delete(eb.clients, id)
	}
}

func serializeEvent(ev SessionEvent) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	st, err := structpb.NewStruct(map[string]interface{}{
		"session_id":     ev.SessionID,
		"kind":           ev.Kind,
		"state":          ev.State,
		"frames_in":      ev.FramesIn,
		"frames_out":     ev.FramesOut,
		"frames_skipped": ev.Skipped,
		"timestamp":      ev.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
func streamEventsFromChannel(w http.ResponseWriter, r *http.Request, eventCh <-chan *SerializedEvent, useProtobuf bool, keepalive time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
