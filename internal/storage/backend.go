// Package storage defines the blob store client used by fsweb and its
// backends. Every backend stores objects under a single namespace (bucket or
// container) keyed by object id, with metadata attached to the object itself.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

// ObjectInfo is the result of a Stat call.
type ObjectInfo struct {
	ID   string
	Size int64
	// Hash is the content hash recorded by the store at write time
	// (an MD5 hex digest for every backend in this package).
	Hash         string
	ContentType  string
	Metadata     Metadata
	LastModified time.Time
}

// RemoveError reports a single id that could not be removed.
type RemoveError struct {
	ID  string
	Err error
}

func (e RemoveError) Error() string {
	return fmt.Sprintf("removing %s: %v", e.ID, e.Err)
}

// Store is the capability interface over the blob store. All methods must be
// safe for concurrent use.
type Store interface {
	// EnsureNamespace creates the namespace if it does not exist. It is
	// idempotent and tolerates a concurrent creator winning the race.
	EnsureNamespace(ctx context.Context) error

	// Put uploads the file at localPath under id, replacing any existing
	// object and its metadata, and returns the stored content hash.
	Put(ctx context.Context, id, localPath string, meta Metadata) (string, error)

	// Get opens the whole object. The caller closes the stream.
	Get(ctx context.Context, id string) (io.ReadCloser, error)

	// GetRange opens bytes [start, end] of the object, end inclusive.
	GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error)

	// Stat returns size, hash and metadata.
	Stat(ctx context.Context, id string) (*ObjectInfo, error)

	// Remove deletes ids on a best-effort basis. Missing ids are not
	// failures. The returned slice lists ids that could not be removed;
	// the error is non-nil only when the store could not be asked at all.
	Remove(ctx context.Context, ids []string) ([]RemoveError, error)

	// HealthCheck verifies that the store is reachable.
	HealthCheck(ctx context.Context) error
}

// validRange rejects ranges no backend can serve.
func validRange(start, end int64) error {
	if start < 0 || end < start {
		return fmt.Errorf("range %d-%d: %w", start, end, gwerr.ErrInvalidRange)
	}
	return nil
}

// notFound wraps ErrNotFound for id.
func notFound(id string) error {
	return fmt.Errorf("object %s: %w", id, gwerr.ErrNotFound)
}

// unavailable wraps ErrStoreUnavailable around a backend error.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, gwerr.ErrStoreUnavailable, err)
}
