package detector

import (
	"image"

	"github.com/signcam/streaming-server/pkg/types"
)

// Passthrough is the engine installed when no model is available. It
// returns an unannotated copy of every frame and no detections.
type Passthrough struct {
	params types.InferenceParams
}

// NewPassthrough returns an engine that detects nothing.
func NewPassthrough(params types.InferenceParams) *Passthrough {
	return &Passthrough{params: params}
}

func (p *Passthrough) Detect(img image.Image) (image.Image, []types.Detection, error) {
	if img == nil {
		return nil, nil, &InferenceError{Message: "nil frame"}
	}
	return Annotate(img, nil), []types.Detection{}, nil
}

func (p *Passthrough) Params() types.InferenceParams { return p.params }

func (p *Passthrough) Close() error { return nil }
