// Package server exposes the detection endpoints over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/signcam/streaming-server/internal/artifact"
	"github.com/signcam/streaming-server/internal/config"
	"github.com/signcam/streaming-server/internal/encoder"
	"github.com/signcam/streaming-server/internal/gate"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/internal/stream"
)

const sseKeepalive = 30 * time.Second

// Sources opens frame sources for sessions.
type Sources interface {
	OpenCamera(ctx context.Context) (stream.Source, error)
	OpenFile(ctx context.Context, path string) (stream.Source, error)
}

// Deps are the collaborators shared by every request.
type Deps struct {
	Config  config.Config
	Gate    *gate.Gate
	Store   *artifact.Store
	Sources Sources
	Metrics *metrics.Metrics
}

// Server serves the detection endpoints.
type Server struct {
	cfg      config.Config
	gate     *gate.Gate
	store    *artifact.Store
	sources  Sources
	metrics  *metrics.Metrics
	registry *Registry
	events   *EventBroadcaster
	upgrader websocket.Upgrader

	liveEnc   *encoder.Encoder
	replayEnc *encoder.Encoder
	stillEnc  *encoder.Encoder
}

// NewServer returns a configured server.
func NewServer(deps Deps) *Server {
	return &Server{
		cfg:      deps.Config,
		gate:     deps.Gate,
		store:    deps.Store,
		sources:  deps.Sources,
		metrics:  deps.Metrics,
		registry: NewRegistry(),
		events:   NewEventBroadcaster(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		liveEnc:   encoder.New(deps.Config.LiveQuality),
		replayEnc: encoder.New(deps.Config.ReplayQuality),
		stillEnc:  encoder.New(deps.Config.StillQuality),
	}
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/video_feed", s.handleVideoFeed).Methods(http.MethodGet)
	r.HandleFunc("/ws/detect", s.handleSocket).Methods(http.MethodGet)
	r.HandleFunc("/detect_image", s.handleDetectImage).Methods(http.MethodPost)
	r.HandleFunc("/detect", s.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/upload_video", s.handleUploadVideo).Methods(http.MethodPost)
	r.HandleFunc("/stream_video/{video_id}", s.handleStreamVideo).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sessions/stream", s.handleSessionEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	return r
}

// Shutdown cancels every live session and waits for their teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	active, _ := s.registry.Count()
	if active > 0 {
		logger.Info("Server", "Cancelling %d live sessions", active)
	}
	s.registry.CancelAll()
	err := s.registry.Wait(ctx)
	s.events.Stop()
	return err
}

// runSession drives one session to completion on the request goroutine.
func (s *Server) runSession(ctx context.Context, kind string, src stream.Source, sink stream.Sink, enc *encoder.Encoder) stream.Stats {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := stream.NewSession(stream.Config{
		ID:      newSessionID(),
		Kind:    kind,
		Source:  src,
		Sink:    sink,
		Gate:    s.gate,
		Encoder: enc,
		Metrics: s.metrics,
		// A websocket reply or replay part may not be lost to a busy gate.
		Backpressure: kind != metrics.KindLive,
		OnState: func(sess *stream.Session, st stream.State) {
			s.events.Publish(newSessionEvent(sess, st))
		},
	})
	if err := s.registry.Add(sess, cancel); err != nil {
		logger.Debug("Server", "Session %s refused: %v", sess.ID(), err)
		sess.Close()
		return stream.Stats{Outcome: "aborted"}
	}
	defer s.registry.Remove(sess.ID())

	stats, err := sess.Run(ctx)
	if err != nil {
		logger.Debug("Server", "Session %s ended: %v", sess.ID(), err)
	}
	return stats
}

func newSessionID() string {
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active, total := s.registry.Count()
	payload := map[string]any{
		"sessions":       s.registry.Snapshot(),
		"sessions_total": total,
		"sessions_live":  active,
		"gate":           s.gate.Stats(),
		"artifacts":      s.store.Stats(),
		"inference":      s.gate.Params(),
		"sse_clients":    s.events.Clients(),
		"uptime_seconds": s.registry.Uptime().Seconds(),
		"timestamp":      float64(time.Now().Unix()),
	}
	writeJSON(w, payload)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	streamEventsFromChannel(w, r, eventCh, wantsProtobuf(r), sseKeepalive)
}

func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/x-protobuf") ||
		strings.Contains(accept, "application/protobuf")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONWithStatus(w, errorResponse{Error: message, Code: code}, status)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
