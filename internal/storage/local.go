package storage

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/uid"
)

const sidecarSuffix = ".meta.json"

// LocalStore implements Store on the local filesystem. Each object is a
// JSON sidecar at <root>/<namespace>/<id>.meta.json holding size, hash and
// metadata, plus the data file it names under <root>/.data/<namespace>.
// Every Put writes a fresh data file and publishes it by renaming the
// sidecar, so a reader sees either the old object or the new one.
type LocalStore struct {
	// RootDir is the base directory under which the namespace directory,
	// the .data directory and the .tmp staging directory are created.
	RootDir   string
	Namespace string
}

// sidecar is the on-disk metadata record written next to each object.
type sidecar struct {
	// Data is the data file name under the .data namespace directory.
	// Empty means the data sits next to the sidecar as <id>.
	Data         string            `json:"data,omitempty"`
	Size         int64             `json:"size"`
	Hash         string            `json:"hash"`
	ContentType  string            `json:"contentType,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	LastModified time.Time         `json:"lastModified"`
}

// NewLocalStore creates a LocalStore rooted at rootDir. It creates the root
// directory and the temp directory if they do not exist, and removes temp
// files left by writes that never finished.
func NewLocalStore(rootDir, namespace string) (*LocalStore, error) {
	tmpDir := filepath.Join(rootDir, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", tmpDir, err)
	}
	s := &LocalStore{RootDir: rootDir, Namespace: namespace}
	if err := s.CleanTempFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

// CleanTempFiles removes all files in the .tmp directory. Any temp files
// left behind indicate incomplete writes from a previous crash.
func (s *LocalStore) CleanTempFiles() error {
	tmpDir := filepath.Join(s.RootDir, ".tmp")
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading temp directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			os.Remove(filepath.Join(tmpDir, entry.Name()))
		}
	}
	return nil
}

func (s *LocalStore) namespaceDir() string {
	return filepath.Join(s.RootDir, s.Namespace)
}

func (s *LocalStore) dataDir() string {
	return filepath.Join(s.RootDir, ".data", s.Namespace)
}

// dataPath returns the data file rec points at for id.
func (s *LocalStore) dataPath(id string, rec *sidecar) string {
	if rec.Data == "" {
		return filepath.Join(s.namespaceDir(), id)
	}
	return filepath.Join(s.dataDir(), rec.Data)
}

// objectPath returns the data path for id, rejecting ids that would escape
// the namespace directory.
func (s *LocalStore) objectPath(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasSuffix(id, sidecarSuffix) {
		return "", fmt.Errorf("object id %q: %w", id, gwerr.ErrInvalidID)
	}
	return filepath.Join(s.namespaceDir(), id), nil
}

func (s *LocalStore) tempPath() string {
	return filepath.Join(s.RootDir, ".tmp", uid.TempName("tmp-", ""))
}

// writeAtomic copies r into a temp file, fsyncs it and renames it to dst.
func (s *LocalStore) writeAtomic(dst string, r io.Reader) error {
	tmpPath := s.tempPath()
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmpFile, r); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file to final path: %w", err)
	}
	return nil
}

// EnsureNamespace creates the namespace and data directories.
func (s *LocalStore) EnsureNamespace(ctx context.Context) error {
	for _, dir := range []string{s.namespaceDir(), s.dataDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return unavailable("creating namespace directory", err)
		}
	}
	return nil
}

// Put copies localPath into a new data file using the crash-only write
// pattern (temp file, fsync, rename), then publishes the sidecar. The data
// file of a replaced object is removed once the new sidecar is in place.
func (s *LocalStore) Put(ctx context.Context, id, localPath string, meta Metadata) (string, error) {
	objPath, err := s.objectPath(id)
	if err != nil {
		return "", err
	}
	if localPath == "" {
		return "", fmt.Errorf("empty path: %w", gwerr.ErrNoReadableFile)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %q: %w: %w", localPath, gwerr.ErrNoReadableFile, err)
	}
	defer src.Close()

	if err := s.EnsureNamespace(ctx); err != nil {
		return "", err
	}

	previous, err := s.readSidecar(id)
	if err != nil && !errors.Is(err, gwerr.ErrNotFound) {
		return "", err
	}

	dataName := id + "." + uid.New()
	dataPath := filepath.Join(s.dataDir(), dataName)
	h := md5.New()
	counter := &countingReader{r: io.TeeReader(src, h)}
	if err := s.writeAtomic(dataPath, counter); err != nil {
		return "", unavailable("storing "+id, err)
	}

	contentType, user := splitMetadata(meta)
	rec := sidecar{
		Data:         dataName,
		Size:         counter.n,
		Hash:         hexSum(h.Sum(nil)),
		ContentType:  contentType,
		Metadata:     user,
		LastModified: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		os.Remove(dataPath)
		return "", fmt.Errorf("encoding metadata for %s: %w", id, err)
	}
	if err := s.writeAtomic(objPath+sidecarSuffix, strings.NewReader(string(data))); err != nil {
		os.Remove(dataPath)
		return "", unavailable("storing metadata for "+id, err)
	}
	if previous != nil {
		os.Remove(s.dataPath(id, previous))
	}
	return rec.Hash, nil
}

// Get opens the whole object.
func (s *LocalStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	f, _, err := s.open(id)
	return f, err
}

// GetRange opens bytes [start, end] of the object.
func (s *LocalStore) GetRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, error) {
	if err := validRange(start, end); err != nil {
		return nil, err
	}
	f, rec, err := s.open(id)
	if err != nil {
		return nil, err
	}
	if start >= rec.Size {
		f.Close()
		return nil, &gwerr.RangeError{Size: rec.Size}
	}
	return struct {
		io.Reader
		io.Closer
	}{io.NewSectionReader(f, start, end-start+1), f}, nil
}

// openAttempts bounds how often open re-reads a sidecar whose data file was
// replaced between reading the sidecar and opening the data.
const openAttempts = 3

func (s *LocalStore) open(id string) (*os.File, *sidecar, error) {
	for attempt := 1; ; attempt++ {
		rec, err := s.readSidecar(id)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.Open(s.dataPath(id, rec))
		if err == nil {
			return f, rec, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, unavailable("opening "+id, err)
		}
		if attempt == openAttempts {
			return nil, nil, notFound(id)
		}
	}
}

func (s *LocalStore) readSidecar(id string) (*sidecar, error) {
	objPath, err := s.objectPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(objPath + sidecarSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, unavailable("reading metadata for "+id, err)
	}
	var rec sidecar
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding metadata for %s: %w", id, err)
	}
	return &rec, nil
}

// Stat returns the sidecar contents.
func (s *LocalStore) Stat(ctx context.Context, id string) (*ObjectInfo, error) {
	rec, err := s.readSidecar(id)
	if err != nil {
		return nil, err
	}
	return &ObjectInfo{
		ID:           id,
		Size:         rec.Size,
		Hash:         rec.Hash,
		ContentType:  rec.ContentType,
		Metadata:     joinMetadata(rec.Metadata, rec.ContentType),
		LastModified: rec.LastModified,
	}, nil
}

// Remove deletes the sidecar first so a half-removed object is invisible.
// Deleting a non-existent id is not an error.
func (s *LocalStore) Remove(ctx context.Context, ids []string) ([]RemoveError, error) {
	var failed []RemoveError
	for _, id := range ids {
		rec, err := s.readSidecar(id)
		if errors.Is(err, gwerr.ErrNotFound) {
			continue
		}
		if err != nil {
			failed = append(failed, RemoveError{ID: id, Err: err})
			continue
		}
		objPath, _ := s.objectPath(id)
		for _, p := range []string{objPath + sidecarSuffix, s.dataPath(id, rec)} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				failed = append(failed, RemoveError{ID: id, Err: err})
				break
			}
		}
	}
	return failed, nil
}

// HealthCheck verifies that the local storage root directory is accessible.
func (s *LocalStore) HealthCheck(ctx context.Context) error {
	_, err := os.Stat(s.RootDir)
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Ensure LocalStore implements Store at compile time.
var _ Store = (*LocalStore)(nil)
