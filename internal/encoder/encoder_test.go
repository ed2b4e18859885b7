package encoder

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func testImage(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	return img
}

func TestEncodeDecodeKeepsDimensions(t *testing.T) {
	sizes := []image.Point{{1, 1}, {17, 9}, {640, 480}, {33, 200}}
	for _, q := range []int{10, 70, 95} {
		enc := New(q)
		for _, sz := range sizes {
			data, err := enc.Encode(testImage(sz.X, sz.Y))
			require.NoError(t, err)

			img, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, sz.X, img.Bounds().Dx(), "width q=%d", q)
			assert.Equal(t, sz.Y, img.Bounds().Dy(), "height q=%d", q)
		}
	}
}

func TestDecodePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, testImage(12, 7)))

	img, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 7), img.Bounds())
}

func TestDecodeBMP(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bmp.Encode(&buf, testImage(13, 5)))

	img, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 13, 5), img.Bounds())
	r, g, b, _ := img.At(4, 2).RGBA()
	assert.Equal(t, [3]uint32{4, 2, 128}, [3]uint32{r >> 8, g >> 8, b >> 8})
}

// 3x2 lossless WebP, every pixel RGB(200, 30, 30).
const webpFixture = "UklGRhgAAABXRUJQVlA4TAwAAAAvAkAAAKhHkevR/wA="

func TestDecodeWebP(t *testing.T) {
	data, err := base64.StdEncoding.DecodeString(webpFixture)
	require.NoError(t, err)

	img, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())
	r, g, b, a := img.At(2, 1).RGBA()
	assert.Equal(t, [4]uint32{200, 30, 30, 255}, [4]uint32{r >> 8, g >> 8, b >> 8, a >> 8})

	out, err := New(80).Encode(img)
	require.NoError(t, err)
	back, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), back.Bounds())
}

func TestEncodeIsDeterministic(t *testing.T) {
	enc := New(80)
	img := testImage(64, 48)
	a, err := enc.Encode(img)
	require.NoError(t, err)
	b, err := enc.Encode(img)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeEmptyFrame(t *testing.T) {
	enc := New(80)
	_, err := enc.Encode(nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = enc.Encode(image.NewRGBA(image.Rect(0, 0, 0, 10)))
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestQualityClamp(t *testing.T) {
	assert.Equal(t, DefaultQuality, New(0).Quality())
	assert.Equal(t, MinQuality, New(-5).Quality())
	assert.Equal(t, MaxQuality, New(400).Quality())
}
