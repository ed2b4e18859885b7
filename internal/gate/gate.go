// Package gate serializes calls to the shared inference engine.
package gate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/signcam/streaming-server/internal/detector"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/pkg/types"
)

var (
	// ErrQueueFull is returned when QueueDepth callers are already waiting.
	ErrQueueFull = errors.New("inference queue full")
	// ErrWaitTimeout is returned when a caller waited longer than MaxWait.
	ErrWaitTimeout = errors.New("timed out waiting for inference")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("inference gate closed")
)

const (
	DefaultQueueDepth = 8
	DefaultMaxWait    = 10 * time.Second
)

// Options tunes admission. Zero values select the defaults; a negative
// MaxWait disables the wait bound.
type Options struct {
	QueueDepth int
	MaxWait    time.Duration
	Metrics    *metrics.Metrics
}

// Result is the output of one engine call.
type Result struct {
	Image      image.Image
	Detections []types.Detection
}

// Stats is a point-in-time view of the gate.
type Stats struct {
	InFlight   int64  `json:"in_flight"`
	Waiting    int64  `json:"waiting"`
	Calls      uint64 `json:"calls"`
	Failures   uint64 `json:"failures"`
	Rejected   uint64 `json:"rejected"`
	QueueDepth int    `json:"queue_depth"`
}

// Gate admits at most one engine call at a time. Waiters are served in
// arrival order and can leave the queue by cancelling their context; a
// call that has already started runs to completion.
type Gate struct {
	engine  detector.Engine
	sem     *semaphore.Weighted
	slots   chan struct{}
	maxWait time.Duration
	metrics *metrics.Metrics

	inFlight atomic.Int64
	waiting  atomic.Int64
	calls    atomic.Uint64
	failures atomic.Uint64
	rejected atomic.Uint64
	closed   atomic.Bool
}

// New wraps engine.
func New(engine detector.Engine, opts Options) *Gate {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.MaxWait == 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Gate{
		engine:  engine,
		sem:     semaphore.NewWeighted(1),
		slots:   make(chan struct{}, opts.QueueDepth),
		maxWait: opts.MaxWait,
		metrics: opts.Metrics,
	}
}

// Params returns the engine's fixed inference parameters.
func (g *Gate) Params() types.InferenceParams {
	return g.engine.Params()
}

// Run waits for the engine and runs one detection on img. It fails fast
// with ErrQueueFull or ErrWaitTimeout when the gate is saturated.
func (g *Gate) Run(ctx context.Context, img image.Image) (Result, error) {
	return g.run(ctx, img, true)
}

// RunWait is Run without the admission bounds: a caller that must not
// lose the frame queues behind a full gate for as long as ctx allows.
func (g *Gate) RunWait(ctx context.Context, img image.Image) (Result, error) {
	return g.run(ctx, img, false)
}

func (g *Gate) run(ctx context.Context, img image.Image, bounded bool) (Result, error) {
	if g.closed.Load() {
		return Result{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if err := g.admit(ctx, bounded); err != nil {
		return Result{}, err
	}
	defer func() { <-g.slots }()

	if err := g.acquire(ctx, bounded); err != nil {
		return Result{}, err
	}
	defer g.sem.Release(1)

	// The waiter may have been cancelled just as the engine freed up.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if g.closed.Load() {
		return Result{}, ErrClosed
	}

	return g.call(img)
}

// admit takes a queue slot. Blocked senders on slots are served in
// arrival order.
func (g *Gate) admit(ctx context.Context, bounded bool) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	default:
	}
	if bounded {
		g.reject()
		return ErrQueueFull
	}

	g.waiting.Add(1)
	g.metrics.GateState(1, 0)
	defer func() {
		g.waiting.Add(-1)
		g.metrics.GateState(-1, 0)
	}()

	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) acquire(ctx context.Context, bounded bool) error {
	g.waiting.Add(1)
	g.metrics.GateState(1, 0)
	start := time.Now()
	defer func() {
		g.waiting.Add(-1)
		g.metrics.GateState(-1, 0)
		g.metrics.ObserveGateWait(time.Since(start))
	}()

	waitCtx := ctx
	if bounded && g.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.maxWait)
		defer cancel()
	}

	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.reject()
		return ErrWaitTimeout
	}
	return nil
}

func (g *Gate) call(img image.Image) (res Result, err error) {
	n := g.inFlight.Add(1)
	g.metrics.GateState(0, 1)
	if n > 1 {
		logger.Error("Gate", "in-flight calls %d exceeds 1", n)
	}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = &detector.InferenceError{Message: "engine panic", Cause: fmt.Errorf("%v", r)}
			res = Result{}
		}
		g.inFlight.Add(-1)
		g.metrics.GateState(0, -1)
		g.metrics.ObserveInference(time.Since(start))
		g.calls.Add(1)
		if err != nil {
			g.failures.Add(1)
			g.metrics.InferenceFailed()
		}
	}()

	annotated, dets, err := g.engine.Detect(img)
	if err != nil {
		return Result{}, err
	}
	return Result{Image: annotated, Detections: dets}, nil
}

func (g *Gate) reject() {
	g.rejected.Add(1)
	g.metrics.GateRejection()
}

// Stats returns current counters.
func (g *Gate) Stats() Stats {
	return Stats{
		InFlight:   g.inFlight.Load(),
		Waiting:    g.waiting.Load(),
		Calls:      g.calls.Load(),
		Failures:   g.failures.Load(),
		Rejected:   g.rejected.Load(),
		QueueDepth: cap(g.slots),
	}
}

// Close rejects new calls, waits for the running call to finish and
// closes the engine.
func (g *Gate) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	if err := g.sem.Acquire(context.Background(), 1); err == nil {
		defer g.sem.Release(1)
	}
	return g.engine.Close()
}
