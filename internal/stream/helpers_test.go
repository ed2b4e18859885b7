package stream

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signcam/streaming-server/internal/detector"
	"github.com/signcam/streaming-server/internal/encoder"
	"github.com/signcam/streaming-server/internal/gate"
	"github.com/signcam/streaming-server/pkg/types"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = 40, 80, 120, 255
	}
	return img
}

func newTestGate() *gate.Gate {
	return gate.New(detector.NewPassthrough(types.DefaultInferenceParams()), gate.Options{})
}

// step is one scripted Next result.
type step struct {
	img   image.Image
	err   error
	panic bool
}

// scriptedSource replays steps and then reports io.EOF.
type scriptedSource struct {
	steps  []step
	pos    int
	closes atomic.Int32
}

func framesSource(n, w, h int) *scriptedSource {
	src := &scriptedSource{}
	for i := 0; i < n; i++ {
		src.steps = append(src.steps, step{img: solid(w, h)})
	}
	return src
}

func (s *scriptedSource) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.steps) {
		return nil, io.EOF
	}
	st := s.steps[s.pos]
	s.pos++
	if st.panic {
		panic("decoder exploded")
	}
	if st.err != nil {
		return nil, st.err
	}
	return &types.Frame{Image: st.img, Seq: uint64(s.pos), Timestamp: time.Now()}, nil
}

func (s *scriptedSource) Close() error {
	s.closes.Add(1)
	return nil
}

// blockingSource never produces a frame; Next waits for cancellation.
type blockingSource struct {
	waiting chan struct{}
	closes  atomic.Int32
}

func (b *blockingSource) Next(ctx context.Context) (*types.Frame, error) {
	close(b.waiting)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingSource) Close() error {
	b.closes.Add(1)
	return nil
}

type countingReleaser struct {
	n atomic.Int32
}

func (c *countingReleaser) Release() error {
	c.n.Add(1)
	return nil
}

// brokenWriter accepts okParts multipart parts and then fails every write,
// like a client that disconnected.
type brokenWriter struct {
	*httptest.ResponseRecorder
	okParts int
	parts   int
}

func newBrokenWriter(okParts int) *brokenWriter {
	return &brokenWriter{ResponseRecorder: httptest.NewRecorder(), okParts: okParts}
}

func (b *brokenWriter) Write(p []byte) (int, error) {
	if bytes.HasPrefix(p, partHeader) {
		b.parts++
	}
	if b.parts > b.okParts {
		return 0, errors.New("write: broken pipe")
	}
	return b.ResponseRecorder.Write(p)
}

// flakyEncoder fails on the listed call numbers (1-based).
type flakyEncoder struct {
	inner  *encoder.Encoder
	failOn map[int]bool
	calls  int
}

func (f *flakyEncoder) Encode(img image.Image) ([]byte, error) {
	f.calls++
	if f.failOn[f.calls] {
		return nil, errors.New("encoder rejected frame")
	}
	return f.inner.Encode(img)
}

// fakeConn records websocket writes.
type fakeConn struct {
	mu   sync.Mutex
	msgs []fakeMsg
	fail bool
}

type fakeMsg struct {
	kind int
	data []byte
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("use of closed network connection")
	}
	c.msgs = append(c.msgs, fakeMsg{kind: kind, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) messages() []fakeMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeMsg(nil), c.msgs...)
}

func countParts(body []byte) int {
	return bytes.Count(body, partHeader)
}

func mustEncode(t *testing.T, img image.Image) []byte {
	t.Helper()
	data, err := encoder.New(90).Encode(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

// heldEngine blocks every Detect until release is closed.
type heldEngine struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newHeldEngine() *heldEngine {
	return &heldEngine{entered: make(chan struct{}), release: make(chan struct{})}
}

func (e *heldEngine) Detect(img image.Image) (image.Image, []types.Detection, error) {
	if e.calls.Add(1) == 1 {
		close(e.entered)
	}
	<-e.release
	return img, []types.Detection{}, nil
}

func (e *heldEngine) Params() types.InferenceParams { return types.DefaultInferenceParams() }
func (e *heldEngine) Close() error                  { return nil }

// occupy parks one call inside g's engine and returns a func that lets it
// finish.
func occupy(t *testing.T, g *gate.Gate, eng *heldEngine) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), solid(4, 4))
		done <- err
	}()
	<-eng.entered
	return func() {
		close(eng.release)
		if err := <-done; err != nil {
			t.Errorf("occupying call: %v", err)
		}
	}
}

// slowEngine takes delay per frame.
type slowEngine struct {
	delay time.Duration
}

func (e slowEngine) Detect(img image.Image) (image.Image, []types.Detection, error) {
	time.Sleep(e.delay)
	return img, []types.Detection{}, nil
}

func (e slowEngine) Params() types.InferenceParams { return types.DefaultInferenceParams() }
func (e slowEngine) Close() error                  { return nil }

// contend keeps n callers hammering g with bounded Run calls until the
// test ends.
func contend(t *testing.T, g *gate.Gate, n int) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img := solid(4, 4)
			for ctx.Err() == nil {
				_, _ = g.Run(ctx, img)
			}
		}()
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}
