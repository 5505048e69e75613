// Package lifecycle deletes stored objects and replaces them in place.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/retrieve"
	"github.com/fsweb/fsweb/internal/storage"
)

// patternChars are characters that would make an id read as a pattern or
// a list. Ids containing them are refused by delete and reupload.
var patternChars = regexp.MustCompile(`[.,*+?]`)

// CheckID validates an id supplied for a destructive operation.
func CheckID(id string) error {
	if id == "" {
		return fmt.Errorf("checking id: %w", gwerr.ErrIDRequired)
	}
	if patternChars.MatchString(id) {
		return fmt.Errorf("checking id %q: %w", id, gwerr.ErrInvalidID)
	}
	return nil
}

// Ops performs delete and reupload.
type Ops struct {
	store    storage.Store
	ingestor *ingest.Ingestor
	logger   *slog.Logger
}

// New creates Ops over store. Replacements are persisted through ingestor.
func New(store storage.Store, ingestor *ingest.Ingestor, logger *slog.Logger) *Ops {
	return &Ops{store: store, ingestor: ingestor, logger: logging.OrDefault(logger, "lifecycle")}
}

// Delete removes every id of a comma-separated list and returns how many
// were requested. Ids that do not exist or could not be removed do not fail
// the call; the latter are logged.
func (o *Ops) Delete(ctx context.Context, raw string) (int, error) {
	ids, err := retrieve.ParseIDs(raw)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := CheckID(id); err != nil {
			return 0, err
		}
	}

	failures, err := o.store.Remove(ctx, ids)
	if err != nil {
		return 0, err
	}
	for _, f := range failures {
		o.logger.Warn("object not removed", "id", f.ID, "error", f.Err)
	}
	o.logger.Info("objects deleted", "requested", len(ids), "failed", len(failures))
	return len(ids), nil
}

// Reupload stores the single valid part under id, replacing the previous
// bytes and metadata entirely.
func (o *Ops) Reupload(ctx context.Context, id string, parts []*ingest.UploadedPart) (*ingest.DocumentRecord, error) {
	if err := CheckID(id); err != nil {
		return nil, err
	}
	var valid []*ingest.UploadedPart
	for _, p := range parts {
		if ingest.Valid(p) {
			valid = append(valid, p)
		}
	}
	if len(valid) != 1 {
		return nil, fmt.Errorf("reupload %s with %d files: %w", id, len(valid), gwerr.ErrTooManyParts)
	}

	rec, err := o.ingestor.PersistOne(ctx, valid[0], ingest.Options{ID: id, Pipeline: "reupload"})
	if err != nil {
		return nil, err
	}
	o.logger.Info("object replaced", "id", id, "name", rec.Name, "md5", rec.MD5)
	return rec, nil
}
