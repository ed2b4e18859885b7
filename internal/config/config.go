// Package config holds the runtime configuration of the detection server.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"time"

	"github.com/signcam/streaming-server/internal/detector"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/pkg/types"
)

// Config defines the runtime configuration for the detection server.
type Config struct {
	Addr        string
	MetricsAddr string
	PprofAddr   string // empty disables pprof

	UploadDir     string
	ModelPath     string
	LabelsPath    string
	SharedLibPath string
	MissingModel  string // "warn" or "fail"
	Inference     types.InferenceParams

	CameraDevice   int
	LiveQuality    int
	ReplayQuality  int
	StillQuality   int
	ReplayMaxWidth int

	GateQueueDepth int
	GateMaxWait    time.Duration

	MaxUploadBytes int64
	MaxImageBytes  int64
	ArtifactTTL    time.Duration
	SweepInterval  time.Duration

	WSReadLimit    int64
	WSWriteTimeout time.Duration

	LogLevel        string
	LogColor        bool
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:        ":8000",
		MetricsAddr: ":9090",
		PprofAddr:   "",

		UploadDir:     "./uploads",
		ModelPath:     filepath.Clean("runs/detect/train2/weights/best.onnx"),
		LabelsPath:    "",
		SharedLibPath: "",
		MissingModel:  string(detector.MissingWarn),
		Inference:     types.DefaultInferenceParams(),

		CameraDevice:   0,
		LiveQuality:    70,
		ReplayQuality:  90,
		StillQuality:   95,
		ReplayMaxWidth: 1280,

		GateQueueDepth: 8,
		GateMaxWait:    10 * time.Second,

		MaxUploadBytes: 512 << 20,
		MaxImageBytes:  20 << 20,
		ArtifactTTL:    time.Hour,
		SweepInterval:  5 * time.Minute,

		WSReadLimit:    16 << 20,
		WSWriteTimeout: 10 * time.Second,

		LogLevel:        "info",
		LogColor:        true,
		ShutdownTimeout: 5 * time.Second,
	}
}

// RegisterFlags binds every field to a command-line flag on fs, using
// the current values as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "http", c.Addr, "HTTP server address")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "Metrics server address (empty disables)")
	fs.StringVar(&c.PprofAddr, "pprof", c.PprofAddr, "pprof server address (empty disables)")

	fs.StringVar(&c.UploadDir, "upload-dir", c.UploadDir, "Directory for uploaded videos")
	fs.StringVar(&c.ModelPath, "model", c.ModelPath, "Path to the ONNX detection model")
	fs.StringVar(&c.LabelsPath, "labels", c.LabelsPath, "Class names file, one per line")
	fs.StringVar(&c.SharedLibPath, "onnxruntime-lib", c.SharedLibPath, "Path to the onnxruntime shared library")
	fs.StringVar(&c.MissingModel, "missing-model", c.MissingModel, "Behavior when the model is missing (warn, fail)")

	fs.IntVar(&c.Inference.InputSize, "imgsz", c.Inference.InputSize, "Inference resolution (multiple of 32)")
	fs.Float64Var(&c.Inference.Confidence, "conf", c.Inference.Confidence, "Confidence threshold")
	fs.Float64Var(&c.Inference.IoU, "iou", c.Inference.IoU, "NMS IoU threshold")
	fs.StringVar(&c.Inference.Device, "device", c.Inference.Device, "Execution device (cpu, cuda)")
	fs.BoolVar(&c.Inference.Half, "half", c.Inference.Half, "Half precision (cuda only)")

	fs.IntVar(&c.CameraDevice, "camera", c.CameraDevice, "Camera device index")
	fs.IntVar(&c.LiveQuality, "live-quality", c.LiveQuality, "JPEG quality for the webcam stream")
	fs.IntVar(&c.ReplayQuality, "replay-quality", c.ReplayQuality, "JPEG quality for video replay")
	fs.IntVar(&c.StillQuality, "still-quality", c.StillQuality, "JPEG quality for single images and socket replies")
	fs.IntVar(&c.ReplayMaxWidth, "replay-max-width", c.ReplayMaxWidth, "Downscale replay frames wider than this (0 disables)")

	fs.IntVar(&c.GateQueueDepth, "queue-depth", c.GateQueueDepth, "Maximum callers queued for inference")
	fs.DurationVar(&c.GateMaxWait, "max-wait", c.GateMaxWait, "Maximum wait for the inference engine")

	fs.Int64Var(&c.MaxUploadBytes, "max-upload-bytes", c.MaxUploadBytes, "Maximum video upload size")
	fs.Int64Var(&c.MaxImageBytes, "max-image-bytes", c.MaxImageBytes, "Maximum image upload size")
	fs.DurationVar(&c.ArtifactTTL, "upload-ttl", c.ArtifactTTL, "Delete unclaimed uploads older than this (0 disables)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Interval between upload sweeps")

	fs.Int64Var(&c.WSReadLimit, "ws-read-limit", c.WSReadLimit, "Maximum websocket message size")
	fs.DurationVar(&c.WSWriteTimeout, "ws-write-timeout", c.WSWriteTimeout, "Websocket write timeout")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error, silent)")
	fs.BoolVar(&c.LogColor, "log-color", c.LogColor, "Enable colored log output")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Graceful shutdown timeout")
}

// ApplyEnv applies environment overrides. PORT replaces the port of Addr.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if port, ok := lookup("PORT"); ok && port != "" {
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return fmt.Errorf("invalid PORT %q", port)
		}
		host, _, err := net.SplitHostPort(c.Addr)
		if err != nil {
			host = ""
		}
		c.Addr = net.JoinHostPort(host, port)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("http address is required")
	}
	if c.UploadDir == "" {
		return errors.New("upload dir is required")
	}
	if _, err := detector.ParseMissingPolicy(c.MissingModel); err != nil {
		return err
	}
	if err := detector.ValidateParams(c.Inference); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	for name, q := range map[string]int{"live": c.LiveQuality, "replay": c.ReplayQuality, "still": c.StillQuality} {
		if q < 1 || q > 100 {
			return fmt.Errorf("%s quality must be in [1,100], got %d", name, q)
		}
	}
	if c.ReplayMaxWidth < 0 {
		return fmt.Errorf("replay max width must not be negative")
	}
	if c.GateQueueDepth < 1 {
		return fmt.Errorf("queue depth must be at least 1")
	}
	if c.MaxUploadBytes <= 0 || c.MaxImageBytes <= 0 || c.WSReadLimit <= 0 {
		return errors.New("size limits must be positive")
	}
	if c.ArtifactTTL > 0 && c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive when an upload TTL is set")
	}
	return nil
}

// DetectorConfig returns the engine settings.
func (c *Config) DetectorConfig() detector.Config {
	policy, _ := detector.ParseMissingPolicy(c.MissingModel)
	return detector.Config{
		ModelPath:     c.ModelPath,
		LabelsPath:    c.LabelsPath,
		SharedLibPath: c.SharedLibPath,
		Params:        c.Inference,
		OnMissing:     policy,
	}
}
