package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/metrics"
	"github.com/fsweb/fsweb/internal/storage"
	"github.com/fsweb/fsweb/internal/uid"
)

// DocumentRecord describes a stored object to the client.
type DocumentRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	// MD5 is the store's content hash. It is empty on an interim record
	// whose object is not yet retrievable.
	MD5      string           `json:"md5"`
	Metadata storage.Metadata `json:"metadata"`
}

// Options tune a single persistence.
type Options struct {
	// ID replaces the object with this id instead of allocating a new one.
	ID string
	// Extra is merged over the base metadata.
	Extra storage.Metadata
	// Pipeline labels the persisted-objects metric.
	Pipeline string
}

// Ingestor persists staged parts into the blob store.
type Ingestor struct {
	store  storage.Store
	newID  func() string
	logger *slog.Logger
}

// New creates an Ingestor writing to store.
func New(store storage.Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		newID:  uid.New,
		logger: logging.OrDefault(logger, "ingest"),
	}
}

// NewID allocates an object id the way Persist does.
func (in *Ingestor) NewID() string {
	return in.newID()
}

// Persist stores every valid part concurrently and returns one record per
// stored part in input order. Invalid parts are skipped. The first failure
// cancels the remaining uploads and is returned.
func (in *Ingestor) Persist(ctx context.Context, parts []*UploadedPart, pipeline string) ([]*DocumentRecord, error) {
	valid := make([]*UploadedPart, 0, len(parts))
	for _, p := range parts {
		if Valid(p) {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return []*DocumentRecord{}, nil
	}
	if err := in.store.EnsureNamespace(ctx); err != nil {
		return nil, err
	}

	records := make([]*DocumentRecord, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range valid {
		g.Go(func() error {
			rec, err := in.put(gctx, p, Options{Pipeline: pipeline})
			if err != nil {
				return err
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

// PersistOne stores a single part, honouring opts.ID for replace-in-place.
func (in *Ingestor) PersistOne(ctx context.Context, part *UploadedPart, opts Options) (*DocumentRecord, error) {
	if err := in.store.EnsureNamespace(ctx); err != nil {
		return nil, err
	}
	return in.put(ctx, part, opts)
}

// BaseMetadata is the metadata every object carries: its content type and
// URL-encoded original name.
func BaseMetadata(part *UploadedPart) storage.Metadata {
	meta := storage.Metadata{storage.MetaOriginalName: storage.EncodeFilename(part.Name)}
	if part.Type != "" {
		meta[storage.MetaContentType] = part.Type
	}
	return meta
}

func (in *Ingestor) put(ctx context.Context, part *UploadedPart, opts Options) (*DocumentRecord, error) {
	if part == nil || part.Path == "" {
		in.logger.Error("part has no readable file")
		return nil, fmt.Errorf("persisting part: %w", gwerr.ErrNoReadableFile)
	}
	id := opts.ID
	if id == "" {
		id = in.newID()
	}
	meta := BaseMetadata(part).Merge(opts.Extra)

	hash, err := in.store.Put(ctx, id, part.Path, meta)
	if err != nil {
		return nil, fmt.Errorf("persisting %q as %s: %w", part.Name, id, err)
	}
	pipeline := opts.Pipeline
	if pipeline == "" {
		pipeline = "upload"
	}
	metrics.ObjectsPersisted.WithLabelValues(pipeline).Inc()
	in.logger.Debug("persisted", "id", id, "name", part.Name, "type", part.Type, "size", part.Size, "pipeline", pipeline)

	return &DocumentRecord{
		ID:          id,
		Name:        part.Name,
		ContentType: part.Type,
		MD5:         hash,
		Metadata:    meta,
	}, nil
}
