package stream

import (
	"errors"
	"fmt"
	"net/http"
)

// Boundary separates parts of a multipart MJPEG response.
const Boundary = "frame"

var (
	// MultipartContentType is the response type of every MJPEG stream.
	MultipartContentType = "multipart/x-mixed-replace; boundary=" + Boundary

	partHeader  = []byte("--" + Boundary + "\r\nContent-Type: image/jpeg\r\n\r\n")
	partTrailer = []byte("\r\n")
)

// MultipartSink writes each frame as one JPEG part of a
// multipart/x-mixed-replace response.
type MultipartSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewMultipartSink fails if w cannot stream.
func NewMultipartSink(w http.ResponseWriter) (*MultipartSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	return &MultipartSink{w: w, flusher: flusher}, nil
}

// Open sends the response headers.
func (m *MultipartSink) Open() error {
	m.w.Header().Set("Content-Type", MultipartContentType)
	m.w.Header().Set("Cache-Control", "no-cache")
	m.w.WriteHeader(http.StatusOK)
	m.flusher.Flush()
	return nil
}

// Push writes one part. A failed write means the client disconnected.
func (m *MultipartSink) Push(data []byte) error {
	if _, err := m.w.Write(partHeader); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	if _, err := m.w.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	if _, err := m.w.Write(partTrailer); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerGone, err)
	}
	m.flusher.Flush()
	return nil
}

// Finish ends the stream; multipart replace streams have no closing marker.
func (m *MultipartSink) Finish() error {
	m.flusher.Flush()
	return nil
}

// ReplaySink is a MultipartSink that owns the uploaded file it replays.
// The file is released when the session closes, whichever way it ends.
type ReplaySink struct {
	*MultipartSink
	backing Releaser
}

// NewReplaySink pairs a multipart writer with the artifact being replayed.
func NewReplaySink(w http.ResponseWriter, backing Releaser) (*ReplaySink, error) {
	m, err := NewMultipartSink(w)
	if err != nil {
		return nil, err
	}
	return &ReplaySink{MultipartSink: m, backing: backing}, nil
}

func (r *ReplaySink) Backing() Releaser {
	return r.backing
}
