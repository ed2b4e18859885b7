// Package capture provides camera and video-file frame sources backed by
// OpenCV.
package capture

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/stream"
	"github.com/signcam/streaming-server/pkg/types"
)

// maxBadFrames is how many consecutive undecodable frames a file source
// tolerates before treating the file as finished.
const maxBadFrames = 30

// reader owns one VideoCapture and its scratch Mat.
type reader struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	seq     uint64
	once    sync.Once
}

func newReader(capture *gocv.VideoCapture) *reader {
	return &reader{capture: capture, mat: gocv.NewMat()}
}

func (r *reader) frame() (*types.Frame, error) {
	img, err := r.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", stream.ErrFrameDropped, err)
	}
	r.seq++
	return &types.Frame{Image: img, Seq: r.seq, Timestamp: time.Now()}, nil
}

func (r *reader) close() {
	r.once.Do(func() {
		r.mat.Close()
		r.capture.Close()
	})
}

// CameraSource reads a live capture device. Any read failure ends it.
type CameraSource struct {
	*reader
	device int
}

// OpenCamera opens the capture device with the given index.
func OpenCamera(device int) (*CameraSource, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("error opening video capture device %d: %w", device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture device %d is not available", device)
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	logger.Info("Capture", "Opened camera %d", device)
	return &CameraSource{reader: newReader(capture), device: device}, nil
}

// Next blocks until the device delivers a frame.
func (c *CameraSource) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.capture.Read(&c.mat); !ok || c.mat.Empty() {
		logger.Warn("Capture", "Camera %d stopped delivering frames", c.device)
		return nil, io.EOF
	}
	return c.frame()
}

// Close releases the device.
func (c *CameraSource) Close() error {
	c.close()
	logger.Debug("Capture", "Released camera %d", c.device)
	return nil
}

// FileSource decodes a video file in order.
type FileSource struct {
	*reader
	path string
	bad  int
}

// OpenFile opens a video file for decoding.
func OpenFile(path string) (*FileSource, error) {
	capture, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video file: %w", err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video file %s cannot be decoded", path)
	}
	return &FileSource{reader: newReader(capture), path: path}, nil
}

// Next returns the next decoded frame, io.EOF at end of file, or
// ErrFrameDropped for a frame that could not be decoded.
func (f *FileSource) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := f.capture.Read(&f.mat); !ok {
		return nil, io.EOF
	}
	if f.mat.Empty() {
		f.bad++
		if f.bad >= maxBadFrames {
			logger.Warn("Capture", "%s: %d undecodable frames in a row, stopping", f.path, f.bad)
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: empty frame", stream.ErrFrameDropped)
	}
	f.bad = 0
	return f.frame()
}

// Close releases the decoder.
func (f *FileSource) Close() error {
	f.close()
	return nil
}

// Opener opens sources for the HTTP handlers.
type Opener struct {
	CameraDevice int
	MaxWidth     int // replay frames wider than this are downscaled
}

// OpenCamera opens the configured camera.
func (o Opener) OpenCamera(ctx context.Context) (stream.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := OpenCamera(o.CameraDevice)
	if err != nil {
		return nil, err
	}
	return src, nil
}

// OpenFile opens a video file, capping frame width at MaxWidth.
func (o Opener) OpenFile(ctx context.Context, path string) (stream.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	return stream.Downscaled(src, o.MaxWidth), nil
}
