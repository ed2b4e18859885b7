// Package detector wraps the object detection model behind a small
// Engine interface. Engines are not safe for concurrent use; callers go
// through the inference gate.
package detector

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/pkg/types"
)

// ErrModelMissing is returned by Load when the model file does not exist
// and the policy is MissingFail.
var ErrModelMissing = errors.New("model file not found")

// Engine runs one forward pass and draws the result.
type Engine interface {
	// Detect returns a freshly allocated annotated copy of img together
	// with the detections found in it. img is never modified.
	Detect(img image.Image) (image.Image, []types.Detection, error)
	Params() types.InferenceParams
	Close() error
}

// InferenceError reports a failed engine call.
type InferenceError struct {
	Message string
	Cause   error
}

func (e *InferenceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *InferenceError) Unwrap() error {
	return e.Cause
}

// MissingPolicy decides what Load does when the model file is absent.
type MissingPolicy string

const (
	MissingWarn MissingPolicy = "warn" // log and serve unannotated frames
	MissingFail MissingPolicy = "fail" // refuse to start
)

// ParseMissingPolicy accepts "warn" or "fail".
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch MissingPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case MissingWarn:
		return MissingWarn, nil
	case MissingFail:
		return MissingFail, nil
	default:
		return "", fmt.Errorf("invalid missing-model policy %q (want warn or fail)", s)
	}
}

// Config describes how to build the engine.
type Config struct {
	ModelPath     string
	LabelsPath    string
	SharedLibPath string // onnxruntime shared library; empty uses the loader default
	Params        types.InferenceParams
	OnMissing     MissingPolicy
}

// ValidateParams checks that p can be used to build an engine.
func ValidateParams(p types.InferenceParams) error {
	if p.InputSize <= 0 || p.InputSize%32 != 0 {
		return fmt.Errorf("input size must be a positive multiple of 32, got %d", p.InputSize)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence threshold out of range: %v", p.Confidence)
	}
	if p.IoU < 0 || p.IoU > 1 {
		return fmt.Errorf("iou threshold out of range: %v", p.IoU)
	}
	switch p.Device {
	case types.DeviceCPU, types.DeviceCUDA:
	default:
		return fmt.Errorf("unknown device %q", p.Device)
	}
	if p.Half && p.Device != types.DeviceCUDA {
		return errors.New("half precision requires the cuda device")
	}
	return nil
}

// Load builds the engine described by cfg. A missing model file either
// fails with ErrModelMissing or, under MissingWarn, yields a passthrough
// engine that annotates nothing.
func Load(cfg Config) (Engine, error) {
	if err := ValidateParams(cfg.Params); err != nil {
		return nil, err
	}

	labels, err := LoadLabels(cfg.LabelsPath)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		if cfg.OnMissing == MissingFail {
			return nil, fmt.Errorf("%w: %s", ErrModelMissing, cfg.ModelPath)
		}
		logger.Warn("Detector", "Model not found at %s, frames will be served without detections", cfg.ModelPath)
		return NewPassthrough(cfg.Params), nil
	}

	logger.Info("Detector", "Loading model from %s (%d classes, device=%s, size=%d)",
		cfg.ModelPath, len(labels), cfg.Params.Device, cfg.Params.InputSize)
	engine, err := NewONNXEngine(cfg, labels)
	if err != nil {
		return nil, err
	}
	logger.Info("Detector", "Model loaded")
	return engine, nil
}
