package stream

import (
	"context"
	"image"

	"github.com/disintegration/imaging"

	"github.com/signcam/streaming-server/pkg/types"
)

// failedSource reports a terminal error on the first pull.
type failedSource struct {
	err error
}

// FailedSource stands in for a device or file that could not be opened.
// The session it drives delivers zero frames and aborts.
func FailedSource(err error) Source {
	return &failedSource{err: err}
}

func (f *failedSource) Next(context.Context) (*types.Frame, error) {
	return nil, f.err
}

func (f *failedSource) Close() error { return nil }

// Downscale shrinks img to maxWidth, keeping its aspect ratio. Images
// already narrow enough, or maxWidth <= 0, are returned unchanged.
func Downscale(img image.Image, maxWidth int) image.Image {
	if maxWidth <= 0 || img.Bounds().Dx() <= maxWidth {
		return img
	}
	return imaging.Resize(img, maxWidth, 0, imaging.Linear)
}

// downscaled wraps a source and caps the width of its frames.
type downscaled struct {
	src      Source
	maxWidth int
}

// Downscaled applies Downscale to every frame of src.
func Downscaled(src Source, maxWidth int) Source {
	if maxWidth <= 0 {
		return src
	}
	return &downscaled{src: src, maxWidth: maxWidth}
}

func (d *downscaled) Next(ctx context.Context) (*types.Frame, error) {
	frame, err := d.src.Next(ctx)
	if err != nil {
		return nil, err
	}
	if frame.Width() > d.maxWidth {
		frame.Image = Downscale(frame.Image, d.maxWidth)
	}
	return frame, nil
}

func (d *downscaled) Close() error {
	return d.src.Close()
}
