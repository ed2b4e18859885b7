package gate

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signcam/streaming-server/internal/detector"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/pkg/types"
)

// fakeEngine records overlap between calls.
type fakeEngine struct {
	delay   time.Duration
	block   chan struct{} // when set, Detect waits for it to close
	entered chan struct{} // signalled on every call start
	panics  atomic.Bool

	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
	closed   atomic.Bool
}

func (f *fakeEngine) Detect(img image.Image) (image.Image, []types.Detection, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	f.calls.Add(1)

	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics.Load() {
		panic("boom")
	}
	return img, []types.Detection{}, nil
}

func (f *fakeEngine) Params() types.InferenceParams { return types.DefaultInferenceParams() }

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	return nil
}

var frame = image.NewRGBA(image.Rect(0, 0, 4, 4))

func TestSingleFlightUnderConcurrency(t *testing.T) {
	eng := &fakeEngine{delay: time.Millisecond}
	m := metrics.New()
	g := New(eng, Options{QueueDepth: 64, Metrics: m})

	const sessions, perSession = 8, 10
	var wg sync.WaitGroup
	errs := make(chan error, sessions*perSession)
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSession; i++ {
				if _, err := g.Run(context.Background(), frame); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.EqualValues(t, 1, eng.maxSeen.Load(), "engine saw overlapping calls")
	assert.EqualValues(t, sessions*perSession, eng.calls.Load())

	st := g.Stats()
	assert.EqualValues(t, sessions*perSession, st.Calls)
	assert.Zero(t, st.InFlight)
	assert.Zero(t, st.Waiting)
	assert.Zero(t, m.GateInFlight.Load())
}

func TestCancelWhileWaiting(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 4)}
	g := New(eng, Options{QueueDepth: 4})

	first := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), frame)
		first <- err
	}()
	<-eng.entered

	ctx, cancel := context.WithCancel(context.Background())
	second := make(chan error, 1)
	go func() {
		_, err := g.Run(ctx, frame)
		second <- err
	}()

	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-second:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}

	close(eng.block)
	require.NoError(t, <-first)
	assert.EqualValues(t, 1, eng.calls.Load(), "cancelled waiter must not reach the engine")
}

func TestQueueFull(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	g := New(eng, Options{QueueDepth: 1})

	done := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), frame)
		done <- err
	}()
	<-eng.entered

	_, err := g.Run(context.Background(), frame)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.EqualValues(t, 1, g.Stats().Rejected)

	close(eng.block)
	require.NoError(t, <-done)
}

func TestWaitTimeout(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	g := New(eng, Options{QueueDepth: 2, MaxWait: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), frame)
		done <- err
	}()
	<-eng.entered

	_, err := g.Run(context.Background(), frame)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	close(eng.block)
	require.NoError(t, <-done)
}

func TestPanicIsRecovered(t *testing.T) {
	eng := &fakeEngine{}
	eng.panics.Store(true)
	g := New(eng, Options{})

	_, err := g.Run(context.Background(), frame)
	var ie *detector.InferenceError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.EqualValues(t, 1, g.Stats().Failures)

	eng.panics.Store(false)
	res, err := g.Run(context.Background(), frame)
	require.NoError(t, err, "gate must be usable after a panic")
	assert.NotNil(t, res.Image)
}

func TestClosedGate(t *testing.T) {
	eng := &fakeEngine{}
	g := New(eng, Options{})
	require.NoError(t, g.Close())
	assert.True(t, eng.closed.Load())

	_, err := g.Run(context.Background(), frame)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, g.Close())
}

func TestCancelledContextNeverEnqueues(t *testing.T) {
	eng := &fakeEngine{}
	g := New(eng, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Run(ctx, frame)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, eng.calls.Load())
}

func TestRunWaitQueuesPastFullQueue(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 8)}
	g := New(eng, Options{QueueDepth: 1, MaxWait: 5 * time.Millisecond})

	first := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), frame)
		first <- err
	}()
	<-eng.entered

	const waiters = 3
	results := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := g.RunWait(context.Background(), frame)
			results <- err
		}()
	}
	require.Eventually(t, func() bool { return g.Stats().Waiting == waiters }, time.Second, time.Millisecond)

	// Longer than MaxWait: a bounded caller would have given up by now.
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, g.Stats().Rejected)

	close(eng.block)
	require.NoError(t, <-first)
	for i := 0; i < waiters; i++ {
		assert.NoError(t, <-results)
	}
	assert.EqualValues(t, 1+waiters, eng.calls.Load())
	assert.EqualValues(t, 1, eng.maxSeen.Load())
	assert.Zero(t, g.Stats().Waiting)
}

func TestRunWaitCancelledBeforeAdmission(t *testing.T) {
	eng := &fakeEngine{block: make(chan struct{}), entered: make(chan struct{}, 2)}
	g := New(eng, Options{QueueDepth: 1})

	first := make(chan error, 1)
	go func() {
		_, err := g.Run(context.Background(), frame)
		first <- err
	}()
	<-eng.entered

	ctx, cancel := context.WithCancel(context.Background())
	waiter := make(chan error, 1)
	go func() {
		_, err := g.RunWait(ctx, frame)
		waiter <- err
	}()
	require.Eventually(t, func() bool { return g.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-waiter:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	assert.Zero(t, g.Stats().Waiting)

	close(eng.block)
	require.NoError(t, <-first)
	assert.EqualValues(t, 1, eng.calls.Load())
}

func TestRunWaitUnderSustainedLoad(t *testing.T) {
	eng := &fakeEngine{delay: 2 * time.Millisecond}
	g := New(eng, Options{QueueDepth: 2, MaxWait: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, _ = g.Run(ctx, frame)
			}
		}()
	}

	for i := 0; i < 10; i++ {
		_, err := g.RunWait(context.Background(), frame)
		require.NoError(t, err, "call %d", i)
	}
	cancel()
	wg.Wait()
	assert.EqualValues(t, 1, eng.maxSeen.Load())
}
