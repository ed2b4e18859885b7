package detector

import (
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/disintegration/imaging"

	"github.com/signcam/streaming-server/pkg/types"
)

// padGray is the letterbox fill used by YOLO exports.
var padGray = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox maps between source pixels and the square model input.
type letterbox struct {
	size       int
	scale      float64
	padX, padY int
	srcW, srcH int
}

func newLetterbox(srcW, srcH, size int) letterbox {
	scale := math.Min(float64(size)/float64(srcW), float64(size)/float64(srcH))
	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))
	return letterbox{
		size:  size,
		scale: scale,
		padX:  (size - newW) / 2,
		padY:  (size - newH) / 2,
		srcW:  srcW,
		srcH:  srcH,
	}
}

// apply resizes img into a gray size x size canvas.
func (lb letterbox) apply(img image.Image) *image.NRGBA {
	newW := lb.size - 2*lb.padX
	newH := lb.size - 2*lb.padY
	resized := imaging.Resize(img, newW, newH, imaging.Linear)
	canvas := imaging.New(lb.size, lb.size, padGray)
	return imaging.Paste(canvas, resized, image.Pt(lb.padX, lb.padY))
}

// toSource converts a centre-format box in model pixels to a clamped
// corner box in source pixels.
func (lb letterbox) toSource(cx, cy, w, h float64) types.BoundingBox {
	x1 := (cx - w/2 - float64(lb.padX)) / lb.scale
	y1 := (cy - h/2 - float64(lb.padY)) / lb.scale
	x2 := (cx + w/2 - float64(lb.padX)) / lb.scale
	y2 := (cy + h/2 - float64(lb.padY)) / lb.scale
	return types.BoundingBox{
		X1: clampInt(int(math.Round(x1)), 0, lb.srcW),
		Y1: clampInt(int(math.Round(y1)), 0, lb.srcH),
		X2: clampInt(int(math.Round(x2)), 0, lb.srcW),
		Y2: clampInt(int(math.Round(y2)), 0, lb.srcH),
	}
}

// fillTensor writes the canvas as normalized planar RGB.
func fillTensor(canvas *image.NRGBA, dst []float32) {
	size := canvas.Rect.Dx()
	plane := size * size
	for y := 0; y < size; y++ {
		row := canvas.Pix[y*canvas.Stride : y*canvas.Stride+size*4]
		for x := 0; x < size; x++ {
			i := y*size + x
			dst[i] = float32(row[x*4]) / 255.0
			dst[plane+i] = float32(row[x*4+1]) / 255.0
			dst[2*plane+i] = float32(row[x*4+2]) / 255.0
		}
	}
}

// anchorCount is the number of predictions a YOLO head emits for a
// square input of the given size (strides 8, 16 and 32).
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		g := size / stride
		n += g * g
	}
	return n
}

// decodeOutput reads a (4+classes, anchors) prediction matrix and keeps
// candidates whose best class score reaches minConf.
func decodeOutput(out []float32, classes, anchors int, lb letterbox, minConf float64, labels []string) []types.Detection {
	dets := make([]types.Detection, 0, 32)
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < classes; c++ {
			if s := out[(4+c)*anchors+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || float64(bestScore) < minConf {
			continue
		}

		box := lb.toSource(
			float64(out[i]),
			float64(out[anchors+i]),
			float64(out[2*anchors+i]),
			float64(out[3*anchors+i]),
		)
		if !box.Valid() {
			continue
		}
		dets = append(dets, types.Detection{
			Label:      labelFor(labels, best),
			ClassID:    best,
			Confidence: float64(bestScore),
			Box:        box,
		})
	}
	return dets
}

// nonMaxSuppression keeps the highest-scoring box of every overlapping
// group of the same class. The result is ordered by confidence.
func nonMaxSuppression(dets []types.Detection, threshold float64) []types.Detection {
	if len(dets) == 0 {
		return []types.Detection{}
	}
	sort.Slice(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]types.Detection, 0, len(dets))
	suppressed := make([]bool, len(dets))
	for i := range dets {
		if suppressed[i] {
			continue
		}
		kept = append(kept, dets[i])
		for j := i + 1; j < len(dets); j++ {
			if suppressed[j] || dets[j].ClassID != dets[i].ClassID {
				continue
			}
			if iou(dets[i].Box, dets[j].Box) > threshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b types.BoundingBox) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	areaA := float64(a.Rect().Dx() * a.Rect().Dy())
	areaB := float64(b.Rect().Dx() * b.Rect().Dy())
	union := areaA + areaB - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
