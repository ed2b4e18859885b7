package types

import (
	"image"
	"time"
)

// Frame is one decoded raster image travelling through a session.
// Whoever holds a Frame owns its pixel buffer; it is handed along the
// pipeline and never shared between sessions.
type Frame struct {
	Image     image.Image // Decoded pixels
	Seq       uint64      // Sequential frame number within its source
	Timestamp time.Time   // Time the frame was pulled from its source
}

// Width returns the frame width in pixels
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// BoundingBox is a detection rectangle in frame-pixel coordinates.
type BoundingBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has positive area (x1<x2, y1<y2).
func (b BoundingBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Detection is one recognized object instance. A frame's detections
// carry no ordering guarantee and may be empty.
type Detection struct {
	Label      string      `json:"label"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
	Box        BoundingBox `json:"bbox"`
}

// Execution devices understood by the inference engine
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// InferenceParams is fixed when the engine is constructed.
type InferenceParams struct {
	InputSize  int     // Square inference resolution (e.g. 640)
	Confidence float64 // Minimum score kept, in [0,1]
	IoU        float64 // NMS overlap threshold, in [0,1]
	Device     string  // DeviceCPU or DeviceCUDA
	Half       bool    // Half-precision execution (CUDA only)
}

// DefaultInferenceParams mirrors the defaults of a stock YOLO export.
func DefaultInferenceParams() InferenceParams {
	return InferenceParams{
		InputSize:  640,
		Confidence: 0.25,
		IoU:        0.45,
		Device:     DeviceCPU,
		Half:       false,
	}
}
