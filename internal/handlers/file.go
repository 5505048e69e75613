package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/lifecycle"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/respond"
	"github.com/fsweb/fsweb/internal/retrieve"
)

// FileHandler contains the handlers for reading, deleting and replacing
// stored files.
type FileHandler struct {
	stager
	resolver *retrieve.Resolver
	ops      *lifecycle.Ops
}

// NewFileHandler creates a FileHandler. parser and maxUpload serve the
// reupload route.
func NewFileHandler(resolver *retrieve.Resolver, ops *lifecycle.Ops, parser *ingest.Parser, maxUpload int64, logger *slog.Logger) *FileHandler {
	logger = logging.OrDefault(logger, "handlers")
	return &FileHandler{
		stager:   stager{parser: parser, maxUpload: maxUpload, logger: logger},
		resolver: resolver,
		ops:      ops,
	}
}

// GetFile handles GET /getfile?id=<id[,id...]>. One id streams the object,
// honoring Range; several ids stream a zip archive of all of them.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Accept-Ranges", "bytes")

	q := r.URL.Query()
	raw := q.Get("id")
	if raw == "" {
		respond.Error(w, r, gwerr.ErrIDRequired, h.logger)
		return
	}

	ctx := r.Context()
	res, err := h.resolver.Resolve(ctx, raw)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}

	etag := weakETag(res.Hash)
	w.Header().Set("Content-Disposition", contentDisposition(q, res.Name))
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Etag", etag)
	if notModified(r, etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	if err := res.SetRange(r.Header.Get("Range")); err != nil {
		var rangeErr *gwerr.RangeError
		if errors.As(err, &rangeErr) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", rangeErr.Size))
		}
		respond.Error(w, r, err, h.logger)
		return
	}

	body, err := res.Open(ctx)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	defer body.Close()

	status := http.StatusOK
	if res.Partial {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", res.Start, res.End, res.Size))
	}
	if n := res.Length(); n >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(n, 10))
	}
	w.WriteHeader(status)

	// Headers are gone by now; a failure mid-stream can only be logged.
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("streaming file aborted", "id", raw, "error", err)
	}
}

// DeleteFile handles POST /delfile. Ids come from the delfile_name or id
// query parameter, or an id field in the body.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	raw, err := deleteIDs(r)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	if raw == "" {
		respond.Error(w, r, gwerr.ErrIDRequired, h.logger)
		return
	}

	n, err := h.ops.Delete(r.Context(), raw)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	h.logger.Info("delete request served", "ids", raw, "count", n)
	respond.JSON(w, http.StatusOK, respond.Deleted)
}

// Reupload handles POST /reupload?id=<id>. The single uploaded file replaces
// the stored object's bytes and metadata under the same id.
func (h *FileHandler) Reupload(w http.ResponseWriter, r *http.Request) {
	id := queryID(r)
	if id == "" {
		respond.Error(w, r, gwerr.ErrIDRequired, h.logger)
		return
	}
	if err := lifecycle.CheckID(id); err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}

	ctx, scope, parts, _, err := h.stage(w, r)
	defer scope.Close()
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}

	rec, err := h.ops.Reupload(ctx, id, parts)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	respond.JSON(w, http.StatusOK, rec)
}
