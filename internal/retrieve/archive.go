package retrieve

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/fsweb/fsweb/internal/metrics"
	"github.com/fsweb/fsweb/internal/storage"
)

// openArchive streams a zip of members through a pipe. Members are fetched
// concurrently and written in the order they become available; nothing is
// buffered beyond the copy in flight. A failure aborts the stream, so the
// client sees a truncated body rather than a valid-looking archive.
func (r *Resolver) openArchive(ctx context.Context, members []*storage.ObjectInfo) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := r.writeArchive(ctx, pw, members)
		if err != nil {
			r.logger.Error("archive stream aborted", "members", len(members), "error", err)
			pw.CloseWithError(err)
			return
		}
		pw.Close()
	}()
	return pr
}

func (r *Resolver) writeArchive(ctx context.Context, w io.Writer, members []*storage.ObjectInfo) error {
	zw := zip.NewWriter(w)
	names := entryNamer{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for _, info := range members {
		g.Go(func() error {
			rc, err := r.store.Get(gctx, info.ID)
			if err != nil {
				return err
			}
			defer rc.Close()

			mu.Lock()
			defer mu.Unlock()
			hdr := &zip.FileHeader{
				Name:     names.unique(entryName(info)),
				Method:   zip.Deflate,
				Modified: info.LastModified,
			}
			ew, err := zw.CreateHeader(hdr)
			if err != nil {
				return fmt.Errorf("adding %s to archive: %w", info.ID, err)
			}
			if _, err := io.Copy(ew, rc); err != nil {
				return fmt.Errorf("copying %s into archive: %w", info.ID, err)
			}
			metrics.ArchiveEntries.Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return zw.Close()
}

// entryName is the decoded original name reduced to its last path element,
// or the id when no usable name is recorded.
func entryName(info *storage.ObjectInfo) string {
	name := strings.ReplaceAll(info.Metadata.OriginalName(), `\`, "/")
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return info.ID
	}
	return name
}

// entryNamer disambiguates repeated entry names as "name (n).ext".
type entryNamer map[string]int

func (n entryNamer) unique(name string) string {
	count, seen := n[name]
	n[name] = count + 1
	if !seen {
		return name
	}
	ext := path.Ext(name)
	for i := count; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), i, ext)
		if _, taken := n[candidate]; !taken {
			n[candidate] = 1
			return candidate
		}
	}
}
