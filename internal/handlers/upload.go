package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/office"
	"github.com/fsweb/fsweb/internal/respond"
)

// OfficeProcessor converts and persists office uploads.
type OfficeProcessor interface {
	Process(ctx context.Context, parts []*ingest.UploadedPart, toImages bool) ([]*office.Result, error)
}

// VideoProcessor normalizes and persists video uploads.
type VideoProcessor interface {
	Process(ctx context.Context, parts []*ingest.UploadedPart) ([]*ingest.DocumentRecord, error)
}

// UploadHandler contains the handlers for the upload routes.
type UploadHandler struct {
	stager
	ingestor *ingest.Ingestor
	office   OfficeProcessor
	video    VideoProcessor
}

// NewUploadHandler creates an UploadHandler. Request bodies larger than
// maxUpload bytes are rejected; zero disables the cap.
func NewUploadHandler(parser *ingest.Parser, ingestor *ingest.Ingestor, officePipeline OfficeProcessor, videoPipeline VideoProcessor, maxUpload int64, logger *slog.Logger) *UploadHandler {
	logger = logging.OrDefault(logger, "handlers")
	return &UploadHandler{
		stager:   stager{parser: parser, maxUpload: maxUpload, logger: logger},
		ingestor: ingestor,
		office:   officePipeline,
		video:    videoPipeline,
	}
}

// Upload handles POST /upload and stores every file part as is.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, scope, parts, _, err := h.stage(w, r)
	defer scope.Close()
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}

	records, err := h.ingestor.Persist(ctx, parts, "upload")
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	h.logger.Debug("upload stored", "files", len(records))
	respond.JSON(w, http.StatusOK, nonNil(records))
}

// UploadOffice handles POST /upload-office/. Office documents are converted
// to PDF; with a toimg query parameter PDFs are also rendered to page
// images.
func (h *UploadHandler) UploadOffice(w http.ResponseWriter, r *http.Request) {
	toImages := r.URL.Query().Has("toimg")

	ctx, scope, parts, _, err := h.stage(w, r)
	defer scope.Close()
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}

	results, err := h.office.Process(ctx, parts, toImages)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	h.logger.Debug("office upload stored", "files", len(results), "toimg", toImages)
	respond.JSON(w, http.StatusOK, nonNil(results))
}

// UploadVideo handles POST /upload-mp4h264/. Videos already in the target
// codec are stored before the response; others are answered with an
// interim record and transcoded in the background.
func (h *UploadHandler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	ctx, scope, parts, _, err := h.stage(w, r)
	defer scope.Close()
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}

	records, err := h.video.Process(ctx, parts)
	if err != nil {
		respond.Error(w, r, err, h.logger)
		return
	}
	h.logger.Debug("video upload accepted", "files", len(records))
	respond.JSON(w, http.StatusOK, nonNil(records))
}

// nonNil keeps an empty result list encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
