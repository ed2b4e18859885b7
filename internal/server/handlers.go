package server

import (
	"context"
	"errors"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signcam/streaming-server/internal/artifact"
	"github.com/signcam/streaming-server/internal/encoder"
	"github.com/signcam/streaming-server/internal/gate"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/internal/stream"
	"github.com/signcam/streaming-server/pkg/types"
)

// uploadField is the multipart form field carrying uploaded files.
const uploadField = "file"

var errNoFile = errors.New("no file part in request")

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	sink, err := stream.NewMultipartSink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	src, err := s.sources.OpenCamera(r.Context())
	if err != nil {
		logger.Warn("Server", "Camera unavailable: %v", err)
		src = stream.FailedSource(err)
	}
	s.runSession(r.Context(), metrics.KindLive, src, sink, s.liveEnc)
}

func (s *Server) handleDetectImage(w http.ResponseWriter, r *http.Request) {
	img, ok := s.readImage(w, r)
	if !ok {
		return
	}

	res, err := s.gate.Run(r.Context(), img)
	if err != nil {
		writeGateError(w, r, err)
		return
	}

	data, err := s.stillEnc.Encode(res.Image)
	if err != nil {
		s.metrics.EncodeFailed()
		writeError(w, http.StatusInternalServerError, "encode_failed", "Failed to encode result")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type detectResponse struct {
	Detections  []types.Detection `json:"detections"`
	Count       int               `json:"count"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	InferenceMS float64           `json:"inference_ms"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	img, ok := s.readImage(w, r)
	if !ok {
		return
	}

	start := time.Now()
	res, err := s.gate.Run(r.Context(), img)
	if err != nil {
		writeGateError(w, r, err)
		return
	}

	bounds := img.Bounds()
	resp := detectResponse{
		Detections:  res.Detections,
		Count:       len(res.Detections),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		InferenceMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if resp.Detections == nil {
		resp.Detections = []types.Detection{}
	}

	if wantsProtobuf(r) {
		writeProtobuf(w, resp)
		return
	}
	writeJSON(w, resp)
}

func writeProtobuf(w http.ResponseWriter, resp detectResponse) {
	dets := make([]interface{}, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		dets = append(dets, map[string]interface{}{
			"label":      d.Label,
			"class_id":   d.ClassID,
			"confidence": d.Confidence,
			"bbox": map[string]interface{}{
				"x1": d.Box.X1,
				"y1": d.Box.Y1,
				"x2": d.Box.X2,
				"y2": d.Box.Y2,
			},
		})
	}

	st, err := structpb.NewStruct(map[string]interface{}{
		"detections":   dets,
		"count":        resp.Count,
		"width":        resp.Width,
		"height":       resp.Height,
		"inference_ms": resp.InferenceMS,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	data, err := proto.Marshal(st)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	part, err := uploadPart(w, r, s.cfg.MaxUploadBytes)
	if err != nil {
		writeUploadError(w, err)
		return
	}
	defer part.Close()

	info, err := s.store.Save(part.FileName(), part)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeUploadError(w, tooLarge)
			return
		}
		logger.Error("Server", "Failed to store upload: %v", err)
		writeError(w, http.StatusInternalServerError, "storage_failed", "Failed to store upload")
		return
	}
	logger.Info("Server", "Received video %s (%d bytes)", info.ID, info.Size)
	writeJSON(w, map[string]string{"video_id": info.ID})
}

func (s *Server) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["video_id"]

	handle, err := s.store.Claim(id)
	switch {
	case err == nil:
	case errors.Is(err, artifact.ErrClaimed):
		writeError(w, http.StatusConflict, "video_in_use", "Video is already being streamed")
		return
	default:
		writeError(w, http.StatusNotFound, "video_not_found", "Video not found")
		return
	}

	sink, err := stream.NewReplaySink(w, handle)
	if err != nil {
		_ = handle.Release()
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	src, err := s.sources.OpenFile(r.Context(), handle.Path())
	if err != nil {
		logger.Warn("Server", "Cannot open video %s: %v", id, err)
		src = stream.FailedSource(err)
	}
	s.runSession(r.Context(), metrics.KindReplay, src, sink, s.replayEnc)
}

// readImage reads and decodes the uploaded image, writing the error
// response itself when it fails.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (image.Image, bool) {
	part, err := uploadPart(w, r, s.cfg.MaxImageBytes)
	if err != nil {
		writeUploadError(w, err)
		return nil, false
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		writeUploadError(w, err)
		return nil, false
	}
	s.metrics.UploadReceived(int64(len(data)))

	img, err := encoder.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_image", "Invalid image file")
		return nil, false
	}
	return img, true
}

// uploadPart returns the "file" part of a multipart body without
// buffering the parts before it. The body is capped at limit bytes.
func uploadPart(w http.ResponseWriter, r *http.Request, limit int64) (*multipart.Part, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFile
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == uploadField {
			return part, nil
		}
		part.Close()
	}
}

func writeUploadError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "too_large", "Upload exceeds the size limit")
	case errors.Is(err, errNoFile):
		writeError(w, http.StatusBadRequest, "missing_file", "No file part in request")
	default:
		writeError(w, http.StatusBadRequest, "invalid_upload", "Malformed upload")
	}
}

func writeGateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, gate.ErrQueueFull), errors.Is(err, gate.ErrWaitTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "busy", "Inference engine is busy")
	case errors.Is(err, gate.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Server is shutting down")
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Debug("Server", "Client left before inference: %v", err)
	default:
		logger.Error("Server", "Inference failed: %v", err)
		writeError(w, http.StatusInternalServerError, "inference_failed", "Inference failed")
	}
}
