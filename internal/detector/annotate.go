package detector

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/signcam/streaming-server/pkg/types"
)

const boxThickness = 2

// palette cycles per class id.
var palette = []color.RGBA{
	{R: 255, G: 56, B: 56, A: 255},
	{R: 255, G: 157, B: 151, A: 255},
	{R: 255, G: 112, B: 31, A: 255},
	{R: 255, G: 178, B: 29, A: 255},
	{R: 207, G: 210, B: 49, A: 255},
	{R: 72, G: 249, B: 10, A: 255},
	{R: 26, G: 147, B: 52, A: 255},
	{R: 0, G: 212, B: 187, A: 255},
	{R: 44, G: 153, B: 168, A: 255},
	{R: 0, G: 194, B: 255, A: 255},
}

func classColor(classID int) color.RGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Annotate draws every detection onto a copy of img.
func Annotate(img image.Image, dets []types.Detection) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	face := basicfont.Face7x13
	for _, d := range dets {
		if !d.Box.Valid() {
			continue
		}
		c := classColor(d.ClassID)
		strokeRect(dst, d.Box.Rect(), c)

		text := fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
		drawer := &font.Drawer{
			Dst:  dst,
			Src:  image.NewUniform(color.White),
			Face: face,
		}
		textW := drawer.MeasureString(text).Ceil()
		textH := face.Metrics().Height.Ceil()

		// Label sits above the box, or inside it when there is no room.
		top := d.Box.Y1 - textH - 2
		if top < 0 {
			top = d.Box.Y1
		}
		bg := image.Rect(d.Box.X1, top, d.Box.X1+textW+4, top+textH+2)
		draw.Draw(dst, bg.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)

		drawer.Dot = fixed.P(d.Box.X1+2, top+face.Metrics().Ascent.Ceil()+1)
		drawer.DrawString(text)
	}
	return dst
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	src := image.NewUniform(c)
	bounds := dst.Bounds()
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxThickness),
		image.Rect(r.Min.X, r.Max.Y-boxThickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxThickness, r.Max.Y),
		image.Rect(r.Max.X-boxThickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(bounds), src, image.Point{}, draw.Src)
	}
}
