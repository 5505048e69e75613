package retrieve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/storage"
)

func put(t *testing.T, store storage.Store, id, name, contentType, data string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "obj")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	meta := storage.Metadata{storage.MetaContentType: contentType}
	if name != "" {
		meta[storage.MetaOriginalName] = storage.EncodeFilename(name)
	}
	_, err := store.Put(context.Background(), id, path, meta)
	require.NoError(t, err)
}

func readAll(t *testing.T, res *Resolution) []byte {
	t.Helper()
	rc, err := res.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header      string
		size        int64
		start, end  int64
		malformed   bool
		unsatisfied bool
	}{
		{header: "bytes=0-9", size: 100, start: 0, end: 9},
		{header: "bytes=10-", size: 100, start: 10, end: 99},
		{header: "bytes=-10", size: 100, start: 90, end: 99},
		{header: "bytes=-500", size: 100, start: 0, end: 99},
		{header: "bytes=50-500", size: 100, start: 50, end: 99},
		{header: "bytes=0-0", size: 1, start: 0, end: 0},
		{header: "bytes=0-4, 10-20", size: 100, start: 0, end: 4},
		{header: "bytes=100-", size: 100, unsatisfied: true},
		{header: "bytes=200-300", size: 100, unsatisfied: true},
		{header: "bytes=0-", size: 0, unsatisfied: true},
		{header: "bytes=-0", size: 100, unsatisfied: true},
		{header: "bytes=-5", size: 0, unsatisfied: true},
		{header: "items=0-9", size: 100, malformed: true},
		{header: "bytes=abc-def", size: 100, malformed: true},
		{header: "bytes=-", size: 100, malformed: true},
		{header: "bytes=9-3", size: 100, malformed: true},
		{header: "bytes=5", size: 100, malformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)
			switch {
			case tt.malformed:
				assert.ErrorIs(t, err, errMalformedRange)
			case tt.unsatisfied:
				var re *gwerr.RangeError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, tt.size, re.Size)
				assert.ErrorIs(t, err, gwerr.ErrInvalidRange)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.end, end)
			}
		})
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := ParseIDs(" a , b,,c ,")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	for _, raw := range []string{"", ",", " , ,"} {
		_, err := ParseIDs(raw)
		assert.ErrorIs(t, err, gwerr.ErrEmptyIDList, raw)
	}
}

func TestResolveSingle(t *testing.T) {
	store := storage.NewMemoryStore()
	put(t, store, "doc", "年报 2025.pdf", "application/pdf", "%PDF-content")
	r := New(store, nil)

	res, err := r.Resolve(context.Background(), "doc")
	require.NoError(t, err)
	assert.False(t, res.Archive())
	assert.Equal(t, "年报 2025.pdf", res.Name)
	assert.Equal(t, "application/pdf", res.ContentType)
	assert.Len(t, res.Hash, 32)
	assert.EqualValues(t, 12, res.Size)
	assert.EqualValues(t, 12, res.Length())
	assert.Equal(t, "%PDF-content", string(readAll(t, res)))
}

func TestResolveMissing(t *testing.T) {
	store := storage.NewMemoryStore()
	put(t, store, "a", "a.txt", "text/plain", "a")
	r := New(store, nil)

	_, err := r.Resolve(context.Background(), "missing")
	assert.True(t, errors.Is(err, gwerr.ErrNotFound))
	_, err = r.Resolve(context.Background(), "a,missing")
	assert.True(t, errors.Is(err, gwerr.ErrNotFound))
	_, err = r.Resolve(context.Background(), " , ")
	assert.True(t, errors.Is(err, gwerr.ErrEmptyIDList))
}

func TestRangeCorrectness(t *testing.T) {
	const data = "0123456789abcdef"
	store := storage.NewMemoryStore()
	put(t, store, "obj", "d.bin", "application/octet-stream", data)
	r := New(store, nil)
	size := int64(len(data))

	for start := int64(0); start < size; start++ {
		for end := start; end < size+3; end++ {
			res, err := r.Resolve(context.Background(), "obj")
			require.NoError(t, err)
			require.NoError(t, res.SetRange(fmt.Sprintf("bytes=%d-%d", start, end)))
			require.True(t, res.Partial)
			wantEnd := min(end, size-1)
			assert.Equal(t, data[start:wantEnd+1], string(readAll(t, res)))
			assert.Equal(t, wantEnd-start+1, res.Length())
		}
	}

	res, err := r.Resolve(context.Background(), "obj")
	require.NoError(t, err)
	err = res.SetRange("bytes=16-")
	assert.ErrorIs(t, err, gwerr.ErrInvalidRange)
	assert.False(t, res.Partial)
}

func TestMalformedRangeIsIgnored(t *testing.T) {
	store := storage.NewMemoryStore()
	put(t, store, "obj", "d.txt", "text/plain", "hello")
	res, err := New(store, nil).Resolve(context.Background(), "obj")
	require.NoError(t, err)
	require.NoError(t, res.SetRange("pages=1-2"))
	assert.False(t, res.Partial)
	assert.Equal(t, "hello", string(readAll(t, res)))
}

func unzip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(body)
	}
	return out
}

func TestResolveArchive(t *testing.T) {
	store := storage.NewMemoryStore()
	put(t, store, "a", "x.txt", "text/plain", "contents of x")
	put(t, store, "b", "y.txt", "text/plain", "contents of y")
	r := New(store, nil)

	res, err := r.Resolve(context.Background(), "a, b")
	require.NoError(t, err)
	assert.True(t, res.Archive())
	assert.Equal(t, ArchiveType, res.ContentType)
	assert.Equal(t, "x.txt等2个文件.zip", res.Name)
	assert.EqualValues(t, -1, res.Length())

	ia, _ := store.Stat(context.Background(), "a")
	ib, _ := store.Stat(context.Background(), "b")
	assert.Equal(t, ia.Hash+","+ib.Hash, res.Hash)

	// Ranges do not apply to archives.
	require.NoError(t, res.SetRange("bytes=0-1"))
	assert.False(t, res.Partial)

	entries := unzip(t, readAll(t, res))
	assert.Equal(t, map[string]string{"x.txt": "contents of x", "y.txt": "contents of y"}, entries)
}

func TestArchiveDuplicateAndMissingNames(t *testing.T) {
	store := storage.NewMemoryStore()
	put(t, store, "a", "", "text/plain", "no name")
	put(t, store, "b", "dir/../report.txt", "text/plain", "one")
	put(t, store, "c", "report.txt", "text/plain", "two")
	put(t, store, "d", "report.txt", "text/plain", "three")
	r := New(store, nil)

	res, err := r.Resolve(context.Background(), "a,b,c,d")
	require.NoError(t, err)
	assert.Equal(t, "pack.zip", res.Name)

	entries := unzip(t, readAll(t, res))
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a", "report (1).txt", "report (2).txt", "report.txt"}, names)
	assert.Equal(t, "no name", entries["a"])
}

type brokenStore struct {
	*storage.MemoryStore
	failID string
}

func (s *brokenStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	if id == s.failID {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.Get(ctx, id)
}

func TestArchiveFailureAbortsStream(t *testing.T) {
	store := &brokenStore{MemoryStore: storage.NewMemoryStore(), failID: "b"}
	put(t, store, "a", "x.txt", "text/plain", "x")
	put(t, store, "b", "y.txt", "text/plain", "y")

	res, err := New(store, nil).Resolve(context.Background(), "a,b")
	require.NoError(t, err)
	rc, err := res.Open(context.Background())
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorContains(t, err, "connection reset")
}

func TestEntryNamer(t *testing.T) {
	n := entryNamer{}
	assert.Equal(t, "a.txt", n.unique("a.txt"))
	assert.Equal(t, "a (1).txt", n.unique("a.txt"))
	assert.Equal(t, "a (2).txt", n.unique("a.txt"))
	assert.Equal(t, "Makefile", n.unique("Makefile"))
	assert.Equal(t, "Makefile (1)", n.unique("Makefile"))
}
