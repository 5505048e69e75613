package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

func newTestLocalStore(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "file")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	return s
}

func TestLocalStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestLocalStore(t)
	})
}

func TestLocalPutAtomicWrite(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, "atomic", stageFile(t, []byte("atomic content")), nil); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// No temp files should remain after a successful write.
	entries, err := os.ReadDir(filepath.Join(s.RootDir, ".tmp"))
	if err != nil {
		t.Fatalf("ReadDir .tmp failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("found %d temp files after successful write", len(entries))
	}
	if _, err := os.Stat(filepath.Join(s.RootDir, "file", "atomic"+sidecarSuffix)); err != nil {
		t.Errorf("sidecar missing: %v", err)
	}
}

func TestLocalObjectWithoutSidecarIsInvisible(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()
	if err := s.EnsureNamespace(ctx); err != nil {
		t.Fatalf("EnsureNamespace: %v", err)
	}
	// Data renamed into place but the process died before the sidecar.
	if err := os.WriteFile(filepath.Join(s.RootDir, "file", "half"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stat(ctx, "half"); !errors.Is(err, gwerr.ErrNotFound) {
		t.Errorf("Stat error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "half"); !errors.Is(err, gwerr.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestLocalRejectsPathIDs(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()
	for _, id := range []string{"../escape", "a/b", `a\b`, "..", "x.meta.json"} {
		if _, err := s.Put(ctx, id, stageFile(t, []byte("x")), nil); !errors.Is(err, gwerr.ErrInvalidID) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidID", id, err)
		}
	}
	failed, err := s.Remove(ctx, []string{"../escape"})
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("Remove(../escape) failures = %v, want one", failed)
	}
}

func TestLocalRangePastEnd(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "short", stageFile(t, []byte("abc")), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.GetRange(ctx, "short", 3, 10); !errors.Is(err, gwerr.ErrInvalidRange) {
		t.Errorf("GetRange past end error = %v, want ErrInvalidRange", err)
	}
	rc, err := s.GetRange(ctx, "short", 1, 10)
	if err != nil {
		t.Fatalf("GetRange: %v", err)
	}
	if got := readAllAndClose(t, rc); string(got) != "bc" {
		t.Errorf("GetRange(1,10) = %q, want %q", got, "bc")
	}
}

func TestLocalEmptyObject(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()
	hash, err := s.Put(ctx, "empty", stageFile(t, nil), nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("hash = %q, want MD5 of empty input", hash)
	}
	info, err := s.Stat(ctx, "empty")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != 0 {
		t.Errorf("size = %d, want 0", info.Size)
	}
}

func TestLocalStoreOpensOverDirtyTemp(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "tmp-interrupted"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewLocalStore(root, "file"); err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("found %d temp files after opening the store", len(entries))
	}
}

func TestLocalReplaceKeepsDataAndSidecarPaired(t *testing.T) {
	s := newTestLocalStore(t)
	ctx := context.Background()
	if _, err := s.Put(ctx, "doc", stageFile(t, []byte("first version")), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// A reader that opened the object before the replacement keeps reading
	// the bytes its sidecar describes.
	before, err := s.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	hash, err := s.Put(ctx, "doc", stageFile(t, []byte("v2")), nil)
	if err != nil {
		t.Fatalf("replacing Put: %v", err)
	}
	if got := readAllAndClose(t, before); string(got) != "first version" {
		t.Errorf("reader opened before the replace got %q", got)
	}

	info, err := s.Stat(ctx, "doc")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	rc, err := s.Get(ctx, "doc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data := readAllAndClose(t, rc)
	if string(data) != "v2" || info.Size != int64(len(data)) || info.Hash != hash {
		t.Errorf("after replace: data=%q size=%d hash=%q, want v2/2/%q", data, info.Size, info.Hash, hash)
	}

	// Only the current version's data file is left.
	entries, err := os.ReadDir(filepath.Join(s.RootDir, ".data", "file"))
	if err != nil {
		t.Fatalf("ReadDir .data failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("found %d data files, want 1", len(entries))
	}

	if _, err := s.Remove(ctx, []string{"doc"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, _ = os.ReadDir(filepath.Join(s.RootDir, ".data", "file"))
	if len(entries) != 0 {
		t.Errorf("found %d data files after Remove, want 0", len(entries))
	}
}

func TestCleanTempFiles(t *testing.T) {
	s := newTestLocalStore(t)

	tmpDir := filepath.Join(s.RootDir, ".tmp")
	for _, name := range []string{"tmp-crashed1", "tmp-crashed2"} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte("orphan"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.CleanTempFiles(); err != nil {
		t.Fatalf("CleanTempFiles failed: %v", err)
	}
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("CleanTempFiles left %d files", len(entries))
	}
}
