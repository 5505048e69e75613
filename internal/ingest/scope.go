package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/fsweb/fsweb/internal/logging"
)

// Scope owns the temp files created while handling one request and deletes
// them when the response is complete. Parts are tracked by pointer, so a
// pipeline that takes over a staged file clears UploadedPart.Path and the
// scope leaves it alone.
//
// All methods are safe on a nil *Scope, which tracks nothing.
type Scope struct {
	mu     sync.Mutex
	parts  []*UploadedPart
	paths  []string
	dirs   []string
	closed bool
	logger *slog.Logger
}

// NewScope returns an open Scope.
func NewScope(logger *slog.Logger) *Scope {
	return &Scope{logger: logging.OrDefault(logger, "ingest")}
}

type scopeKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the Scope attached to ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// TrackPart schedules p.Path (as it is at Close time) for deletion.
func (s *Scope) TrackPart(p *UploadedPart) {
	if s == nil || p == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.parts = append(s.parts, p)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.remove(p.Path)
}

// TrackPath schedules a file for deletion.
func (s *Scope) TrackPath(path string) {
	if s == nil || path == "" {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.paths = append(s.paths, path)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.remove(path)
}

// TrackDir schedules a directory tree for deletion.
func (s *Scope) TrackDir(dir string) {
	if s == nil || dir == "" {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.dirs = append(s.dirs, dir)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.removeAll(dir)
}

// Close deletes everything tracked. Anything tracked afterwards is deleted
// immediately. Close is idempotent.
func (s *Scope) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	parts, paths, dirs := s.parts, s.paths, s.dirs
	s.parts, s.paths, s.dirs = nil, nil, nil
	s.mu.Unlock()

	for _, p := range parts {
		s.remove(p.Path)
	}
	for _, path := range paths {
		s.remove(path)
	}
	for _, dir := range dirs {
		s.removeAll(dir)
	}
}

func (s *Scope) remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.OrDefault(s.logger, "ingest").Warn("removing temp file", "path", path, "error", err)
	}
}

func (s *Scope) removeAll(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logging.OrDefault(s.logger, "ingest").Warn("removing temp directory", "path", dir, "error", err)
	}
}
