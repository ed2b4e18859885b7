// Package artifact stores uploaded videos until the replay session that
// claims them deletes them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signcam/streaming-server/internal/logger"
	"github.com/signcam/streaming-server/internal/metrics"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrClaimed     = errors.New("artifact already claimed")
	ErrInvalidName = errors.New("invalid artifact name")
)

const (
	partialPrefix = "."
	partialSuffix = ".part"
	maxBaseLen    = 100
)

// Store keeps artifacts as plain files in one directory.
type Store struct {
	dir     string
	metrics *metrics.Metrics

	mu      sync.Mutex
	claimed map[string]struct{}
	saved   uint64
	deleted uint64
	swept   uint64
}

// Stats describes the store contents.
type Stats struct {
	Dir     string `json:"dir"`
	Pending int    `json:"pending"`
	Claimed int    `json:"claimed"`
	Saved   uint64 `json:"saved"`
	Deleted uint64 `json:"deleted"`
	Swept   uint64 `json:"swept"`
}

// Info describes a freshly saved artifact.
type Info struct {
	ID   string `json:"video_id"`
	Size int64  `json:"size"`
}

// NewStore creates dir if needed.
func NewStore(dir string, m *metrics.Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &Store{
		dir:     dir,
		metrics: m,
		claimed: make(map[string]struct{}),
	}, nil
}

// Dir returns the storage directory
func (s *Store) Dir() string {
	return s.dir
}

// Save copies r into a new artifact named "<uuid>_<sanitized filename>".
// The artifact only becomes visible once fully written.
func (s *Store) Save(filename string, r io.Reader) (Info, error) {
	id := uuid.NewString() + "_" + SanitizeName(filename)
	final := filepath.Join(s.dir, id)
	partial := filepath.Join(s.dir, partialPrefix+id+partialSuffix)

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Info{}, fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		return Info{}, fmt.Errorf("write upload: %w", err)
	}

	if err := os.Rename(partial, final); err != nil {
		os.Remove(partial)
		return Info{}, fmt.Errorf("publish upload: %w", err)
	}

	s.mu.Lock()
	s.saved++
	s.mu.Unlock()
	s.metrics.ArtifactStored(n)

	logger.Debug("Artifact", "Stored %s (%d bytes)", id, n)
	return Info{ID: id, Size: n}, nil
}

// Claim hands ownership of an artifact to the caller. The returned handle
// deletes the file on Release. Claim has no filesystem side effects when
// it fails.
func (s *Store) Claim(id string) (*Handle, error) {
	if !validID(id) {
		return nil, ErrInvalidName
	}
	path := filepath.Join(s.dir, id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.claimed[id]; ok {
		return nil, ErrClaimed
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}

	s.claimed[id] = struct{}{}
	return &Handle{store: s, id: id, path: path}, nil
}

func (s *Store) release(h *Handle) error {
	err := os.Remove(h.path)
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}

	s.mu.Lock()
	delete(s.claimed, h.id)
	if err == nil {
		s.deleted++
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("remove artifact %s: %w", h.id, err)
	}
	s.metrics.ArtifactDeleted()
	logger.Debug("Artifact", "Deleted %s", h.id)
	return nil
}

// Sweep removes unclaimed artifacts and abandoned partial uploads not
// modified within ttl. Claimed artifacts are never touched.
func (s *Store) Sweep(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read upload dir: %w", err)
	}
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if _, ok := s.claimed[e.Name()]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Artifact", "Sweep %s: %v", e.Name(), err)
			continue
		}
		removed++
		s.swept++
		s.metrics.ArtifactSwept()
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(ttl)
			if err != nil {
				logger.Warn("Artifact", "Sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Info("Artifact", "Swept %d stale uploads", n)
			}
		}
	}
}

// Stats returns current counts.
func (s *Store) Stats() Stats {
	pending := 0
	if entries, err := os.ReadDir(s.dir); err == nil {
		for _, e := range entries {
			if e.Type().IsRegular() && validID(e.Name()) {
				pending++
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending -= len(s.claimed)
	if pending < 0 {
		pending = 0
	}
	return Stats{
		Dir:     s.dir,
		Pending: pending,
		Claimed: len(s.claimed),
		Saved:   s.saved,
		Deleted: s.deleted,
		Swept:   s.swept,
	}
}

// Handle is exclusive ownership of one artifact.
type Handle struct {
	store *Store
	id    string
	path  string
	once  sync.Once
	err   error
}

// ID returns the artifact name
func (h *Handle) ID() string { return h.id }

// Path returns the artifact's file path
func (h *Handle) Path() string { return h.path }

// Release deletes the artifact. Only the first call has any effect.
func (h *Handle) Release() error {
	h.once.Do(func() {
		h.err = h.store.release(h)
	})
	return h.err
}

// SanitizeName reduces an uploaded file name to a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxBaseLen {
		out = out[len(out)-maxBaseLen:]
	}
	if out == "" {
		out = "upload"
	}
	return out
}

func validID(id string) bool {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, partialPrefix) {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
