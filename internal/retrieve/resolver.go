// Package retrieve resolves object ids into response streams: whole
// objects, byte ranges of one object, or a zip archive synthesized from
// several.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/storage"
)

// ArchiveType is the content type of multi-object downloads.
const ArchiveType = "application/x-zip-compressed"

const statConcurrency = 8

// ParseIDs splits a comma-separated id list, trimming entries and dropping
// empty ones.
func ParseIDs(raw string) ([]string, error) {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("parsing id list %q: %w", raw, gwerr.ErrEmptyIDList)
	}
	return ids, nil
}

// Resolution describes what a request resolves to. Nothing is read from
// the store until Open.
type Resolution struct {
	// Name is the display filename, decoded.
	Name        string
	ContentType string
	// Hash is the object's content hash. For archives it is the
	// comma-joined hashes of the members in request order, which does not
	// verify the archive bytes.
	Hash string
	// Size is the full object size, or -1 for archives.
	Size int64
	// Partial is set by SetRange when a range applies.
	Partial    bool
	Start, End int64

	resolver *Resolver
	ids      []string
	members  []*storage.ObjectInfo
}

// Archive reports whether the resolution is a synthesized zip.
func (res *Resolution) Archive() bool {
	return len(res.members) > 1
}

// Length returns the number of bytes Open will yield, or -1 when unknown.
func (res *Resolution) Length() int64 {
	switch {
	case res.Archive():
		return -1
	case res.Partial:
		return res.End - res.Start + 1
	default:
		return res.Size
	}
}

// SetRange applies a Range header to a single-object resolution. A
// malformed header is ignored; an unsatisfiable one returns a
// *gwerr.RangeError and leaves the resolution unchanged. Archives ignore
// ranges.
func (res *Resolution) SetRange(header string) error {
	if header == "" || res.Archive() {
		return nil
	}
	start, end, err := parseRange(header, res.Size)
	if err != nil {
		if errors.Is(err, errMalformedRange) {
			res.resolver.logger.Warn("ignoring range header", "id", res.ids[0], "range", header, "error", err)
			return nil
		}
		return fmt.Errorf("object %s: %w", res.ids[0], err)
	}
	res.Partial, res.Start, res.End = true, start, end
	return nil
}

// Open returns the response body. The caller closes it.
func (res *Resolution) Open(ctx context.Context) (io.ReadCloser, error) {
	if res.Archive() {
		return res.resolver.openArchive(ctx, res.members), nil
	}
	if res.Partial {
		return res.resolver.store.GetRange(ctx, res.ids[0], res.Start, res.End)
	}
	return res.resolver.store.Get(ctx, res.ids[0])
}

// Resolver turns id lists into Resolutions.
type Resolver struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a Resolver reading from store.
func New(store storage.Store, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logging.OrDefault(logger, "retrieve")}
}

// Resolve stats every id in raw (a comma-separated list). A list of one id
// resolves to that object; a longer list resolves to a zip archive of all
// of them. Any missing id fails the whole resolution with ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Resolution, error) {
	ids, err := ParseIDs(raw)
	if err != nil {
		return nil, err
	}

	infos := make([]*storage.ObjectInfo, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			info, err := r.store.Stat(gctx, id)
			if err != nil {
				return err
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(ids) == 1 {
		info := infos[0]
		return &Resolution{
			Name:        info.Metadata.OriginalName(),
			ContentType: info.ContentType,
			Hash:        info.Hash,
			Size:        info.Size,
			resolver:    r,
			ids:         ids,
			members:     infos,
		}, nil
	}

	hashes := make([]string, len(infos))
	for i, info := range infos {
		hashes[i] = info.Hash
	}
	return &Resolution{
		Name:        archiveName(infos),
		ContentType: ArchiveType,
		Hash:        strings.Join(hashes, ","),
		Size:        -1,
		resolver:    r,
		ids:         ids,
		members:     infos,
	}, nil
}

// archiveName is "<first name>等<n>个文件.zip", or pack.zip when the first
// object has no recorded name.
func archiveName(infos []*storage.ObjectInfo) string {
	first := infos[0].Metadata.OriginalName()
	if first == "" {
		return "pack.zip"
	}
	return fmt.Sprintf("%s等%d个文件.zip", first, len(infos))
}
