// Package encoder turns annotated frames into JPEG payloads and decodes
// uploaded image bytes.
package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"sync"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

var (
	// ErrEmptyFrame is returned for nil or zero-area images.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrUndecodable is returned when bytes are not a supported image.
	ErrUndecodable = errors.New("undecodable image")
)

const (
	MinQuality     = 1
	MaxQuality     = 100
	DefaultQuality = 75
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Encoder compresses frames at a fixed JPEG quality. It holds no
// per-call state and is safe for concurrent use.
type Encoder struct {
	quality int
}

// New returns an Encoder. Quality is clamped to [MinQuality, MaxQuality];
// zero selects DefaultQuality.
func New(quality int) *Encoder {
	switch {
	case quality == 0:
		quality = DefaultQuality
	case quality < MinQuality:
		quality = MinQuality
	case quality > MaxQuality:
		quality = MaxQuality
	}
	return &Encoder{quality: quality}
}

// Quality returns the configured JPEG quality
func (e *Encoder) Quality() int {
	return e.quality
}

// Encode returns a JPEG encoding of img. The returned slice is owned by
// the caller.
func (e *Encoder) Encode(img image.Image) ([]byte, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyFrame
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Decode parses JPEG, PNG, WebP or BMP bytes.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrUndecodable
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if img.Bounds().Empty() {
		return nil, ErrUndecodable
	}
	return img, nil
}
