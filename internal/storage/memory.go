package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

// memObject holds the raw data and attributes of an in-memory object.
type memObject struct {
	data         []byte
	hash         string
	meta         Metadata
	lastModified time.Time
}

// MemoryStore implements Store with in-memory maps. It backs the "memory"
// backend for local development and is the store double in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (s *MemoryStore) EnsureNamespace(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, id, localPath string, meta Metadata) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty path: %w", gwerr.ErrNoReadableFile)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w: %w", localPath, gwerr.ErrNoReadableFile, err)
	}
	sum := md5.Sum(data)
	contentType, user := splitMetadata(meta)
	obj := memObject{
		data:         data,
		hash:         hexSum(sum[:]),
		meta:         joinMetadata(user, contentType),
		lastModified: time.Now().UTC(),
	}
	s.mu.Lock()
	s.objects[id] = obj
	s.mu.Unlock()
	return obj.hash, nil
}

func (s *MemoryStore) lookup(id string) (memObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[id]
	if !ok {
		return memObject{}, notFound(id)
	}
	return obj, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	obj, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	size := int64(len(obj.data))
	if start >= size {
		return nil, &gwerr.RangeError{Size: size}
	}
	return io.NopCloser(bytes.NewReader(obj.data[start:min(end+1, size)])), nil
}

func (s *MemoryStore) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	obj, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{
		ID:           id,
		Size:         int64(len(obj.data)),
		Hash:         obj.hash,
		ContentType:  obj.meta[MetaContentType],
		Metadata:     obj.meta.Clone(),
		LastModified: obj.lastModified,
	}, nil
}

func (s *MemoryStore) Remove(ctx context.Context, ids []string) ([]RemoveError, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.objects, id)
	}
	return nil, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Ensure MemoryStore implements Store at compile time.
var _ Store = (*MemoryStore)(nil)
