// Package stream drives frames from a Source through the inference gate
// and the encoder to a protocol Sink.
package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signcam/streaming-server/internal/gate"
	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
	"github.com/signcam/streaming-server/pkg/types"
)

var (
	// ErrFrameDropped marks a transient per-frame failure; the session
	// skips the frame and keeps pulling.
	ErrFrameDropped = errors.New("frame dropped")
	// ErrPeerGone is returned by sinks whose client went away.
	ErrPeerGone = errors.New("peer gone")
)

// Source produces frames. Next returns io.EOF when exhausted,
// ErrFrameDropped for a skippable frame, and any other error when the
// source failed for good. Close releases the underlying device or file
// and must be safe to call more than once.
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Sink delivers encoded frames to one client.
type Sink interface {
	// Open sends whatever preamble the protocol needs.
	Open() error
	// Push delivers one encoded frame; an error means the peer is gone.
	Push(data []byte) error
	// Finish is called once after the source is exhausted.
	Finish() error
}

// Releaser is a resource deleted when its session closes.
type Releaser interface {
	Release() error
}

// Owner is implemented by sinks that own a backing resource.
type Owner interface {
	Backing() Releaser
}

// Inferer runs one detection; *gate.Gate implements it. Run may refuse a
// saturated gate, RunWait queues until ctx is done.
type Inferer interface {
	Run(ctx context.Context, img image.Image) (gate.Result, error)
	RunWait(ctx context.Context, img image.Image) (gate.Result, error)
}

// Encoder compresses an annotated frame.
type Encoder interface {
	Encode(img image.Image) ([]byte, error)
}

// State of a session.
type State int32

const (
	Starting State = iota
	Streaming
	Draining
	Aborting
	Closed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Streaming:
		return "streaming"
	case Draining:
		return "draining"
	case Aborting:
		return "aborting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config wires one session.
type Config struct {
	ID      string
	Kind    string // metrics.KindLive, KindSocket or KindReplay
	Source  Source
	Sink    Sink
	Gate    Inferer
	Encoder Encoder
	Metrics *metrics.Metrics

	// Backpressure makes the session wait on a saturated gate instead of
	// skipping the frame. Finite sources set it; live capture does not.
	Backpressure bool

	// OnState is called on every state transition.
	OnState func(s *Session, state State)
}

// Info is a snapshot of a running session.
type Info struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state"`
	Pulled    uint64    `json:"frames_in"`
	Delivered uint64    `json:"frames_out"`
	Skipped   uint64    `json:"frames_skipped"`
	StartedAt time.Time `json:"started_at"`
}

// Stats summarizes a finished session.
type Stats struct {
	Pulled    uint64
	Delivered uint64
	Skipped   uint64
	Outcome   string // "drained" or "aborted"
}

// Session runs one Source to one Sink.
type Session struct {
	cfg     Config
	log     logger.Scoped
	started time.Time

	state     atomic.Int32
	alive     atomic.Bool
	pulled    atomic.Uint64
	delivered atomic.Uint64
	skipped   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
	outcome   string
}

// NewSession returns a session in the Starting state.
func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:     cfg,
		log:     logger.For("Session").With(cfg.ID).With(cfg.Kind),
		started: time.Now(),
	}
	s.alive.Store(true)
	cfg.Metrics.SessionStarted(cfg.Kind)
	return s
}

// ID returns the session id
func (s *Session) ID() string { return s.cfg.ID }

// Kind returns the session kind
func (s *Session) Kind() string { return s.cfg.Kind }

// State returns the current state
func (s *Session) State() State { return State(s.state.Load()) }

// Alive reports whether the peer is still considered connected.
func (s *Session) Alive() bool { return s.alive.Load() }

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	return Info{
		ID:        s.cfg.ID,
		Kind:      s.cfg.Kind,
		State:     s.State().String(),
		Pulled:    s.pulled.Load(),
		Delivered: s.delivered.Load(),
		Skipped:   s.skipped.Load(),
		StartedAt: s.started,
	}
}

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(s, st)
	}
}

// Run pulls frames until the source is exhausted, the sink reports the
// peer gone, ctx is cancelled, or the source fails. Teardown runs on
// every return path, including panics.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	s.log.Info("Session started")

	err := s.loop(ctx)
	return s.stats(), err
}

func (s *Session) loop(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			s.setState(Aborting)
			s.Close()
			panic(r)
		}
		s.Close()
	}()

	if err := s.cfg.Sink.Open(); err != nil {
		s.setState(Aborting)
		return fmt.Errorf("open sink: %w", err)
	}
	s.setState(Streaming)

	for {
		frame, err := s.cfg.Source.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			s.setState(Draining)
			if err := s.cfg.Sink.Finish(); err != nil {
				s.log.Debug("Finish: %v", err)
			}
			return nil
		case errors.Is(err, ErrFrameDropped):
			s.skip("source", err)
			continue
		case ctx.Err() != nil:
			s.setState(Aborting)
			return ctx.Err()
		default:
			s.setState(Aborting)
			return fmt.Errorf("source: %w", err)
		}

		s.pulled.Add(1)
		s.cfg.Metrics.FramePulled()

		res, err := s.infer(ctx, frame.Image)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, gate.ErrClosed) {
				s.setState(Aborting)
				return err
			}
			s.skip("inference", err)
			continue
		}

		data, err := s.cfg.Encoder.Encode(res.Image)
		if err != nil {
			s.cfg.Metrics.EncodeFailed()
			s.skip("encode", err)
			continue
		}

		if err := s.cfg.Sink.Push(data); err != nil {
			s.alive.Store(false)
			s.setState(Aborting)
			s.log.Debug("Client disconnected after %d frames: %v", s.delivered.Load(), err)
			if !errors.Is(err, ErrPeerGone) {
				err = fmt.Errorf("%w: %v", ErrPeerGone, err)
			}
			return err
		}
		s.delivered.Add(1)
		s.cfg.Metrics.FrameDelivered()
	}
}

func (s *Session) infer(ctx context.Context, img image.Image) (gate.Result, error) {
	if s.cfg.Backpressure {
		return s.cfg.Gate.RunWait(ctx, img)
	}
	return s.cfg.Gate.Run(ctx, img)
}

func (s *Session) skip(stage string, err error) {
	s.skipped.Add(1)
	s.cfg.Metrics.FrameSkipped()
	s.log.Warn("Skipping frame (%s): %v", stage, err)
}

// Close tears the session down: the source is closed and any backing
// resource owned by the sink is released. Only the first call has any
// effect; Run calls it on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		outcome := "drained"
		if s.State() != Draining {
			outcome = "aborted"
			if s.State() != Aborting {
				s.setState(Aborting)
			}
		}
		s.alive.Store(false)

		var errs []error
		if err := s.cfg.Source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close source: %w", err))
		}
		if owner, ok := s.cfg.Sink.(Owner); ok {
			if b := owner.Backing(); b != nil {
				if err := b.Release(); err != nil {
					errs = append(errs, fmt.Errorf("release backing: %w", err))
				}
			}
		}
		s.closeErr = errors.Join(errs...)
		if s.closeErr != nil {
			s.log.Warn("Teardown: %v", s.closeErr)
		}

		s.outcome = outcome
		s.setState(Closed)
		s.cfg.Metrics.SessionEnded(s.cfg.Kind, outcome)
		s.log.Info("Session closed (%s): in=%d out=%d skipped=%d",
			outcome, s.pulled.Load(), s.delivered.Load(), s.skipped.Load())
	})
	return s.closeErr
}

func (s *Session) stats() Stats {
	return Stats{
		Pulled:    s.pulled.Load(),
		Delivered: s.delivered.Load(),
		Skipped:   s.skipped.Load(),
		Outcome:   s.outcome,
	}
}
