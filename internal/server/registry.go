package server

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/signcam/streaming-server/internal/stream"
)

// ErrRegistryClosed is returned by Add once shutdown has begun.
var ErrRegistryClosed = errors.New("server shutting down")

type entry struct {
	session *stream.Session
	cancel  context.CancelFunc
}

// Registry tracks live sessions so they can be listed and cancelled.
type Registry struct {
	startTime time.Time

	mu       sync.Mutex
	sessions map[string]entry
	total    uint64
	closing  bool
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		startTime: time.Now(),
		sessions:  make(map[string]entry),
	}
}

// Add registers a session and the cancel func of its context. It fails
// after CancelAll so no session starts while Wait is draining.
func (r *Registry) Add(s *stream.Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closing {
		return ErrRegistryClosed
	}
	r.sessions[s.ID()] = entry{session: s, cancel: cancel}
	r.total++
	r.wg.Add(1)
	return nil
}

// Remove drops a finished session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		r.wg.Done()
	}
}

// Snapshot lists live sessions, oldest first.
func (r *Registry) Snapshot() []stream.Info {
	r.mu.Lock()
	infos := make([]stream.Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		infos = append(infos, e.session.Info())
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Count returns the number of live sessions and the number ever started.
func (r *Registry) Count() (active int, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), r.total
}

// Uptime returns time since the registry was created.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// CancelAll cancels every live session and refuses new ones. Their
// teardown still runs.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closing = true
	for _, e := range r.sessions {
		e.cancel()
	}
}

// Wait blocks until every registered session has been removed or ctx
// is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
