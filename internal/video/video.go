// Package video ingests uploaded videos: a thumbnail is taken and stored,
// streams are probed, and videos not already in the target codec are
// transcoded by a background task after the request has been answered.
package video

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/fsweb/fsweb/internal/config"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/journal"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/media"
	"github.com/fsweb/fsweb/internal/storage"
	"github.com/fsweb/fsweb/internal/tasks"
	"github.com/fsweb/fsweb/internal/uid"
)

const (
	pipelineSync     = "video"
	pipelineDeferred = "video_deferred"
	screenshotType   = "image/jpeg"
)

// Submitter schedules detached work.
type Submitter interface {
	Submit(name string, fn tasks.Func) error
}

// Pipeline runs the video upload flow.
type Pipeline struct {
	media    *media.Adapter
	ingestor *ingest.Ingestor
	tasks    Submitter
	journal  journal.Journal
	cfg      config.VideoConfig
	tempDir  string
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline. jrnl may be nil, in which case deferred
// jobs are not recorded.
func NewPipeline(adapter *media.Adapter, ingestor *ingest.Ingestor, submitter Submitter, jrnl journal.Journal,
	cfg config.VideoConfig, tempDir string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		media:    adapter,
		ingestor: ingestor,
		tasks:    submitter,
		journal:  jrnl,
		cfg:      cfg,
		tempDir:  tempDir,
		logger:   logging.OrDefault(logger, "video"),
	}
}

// IsVideo reports whether contentType is a video type.
func IsVideo(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(contentType), "video/")
}

// Process handles every valid part and returns one record per part in
// input order. A record with an empty MD5 is interim: its object becomes
// retrievable once the background transcode has stored it.
func (p *Pipeline) Process(ctx context.Context, parts []*ingest.UploadedPart) ([]*ingest.DocumentRecord, error) {
	valid := make([]*ingest.UploadedPart, 0, len(parts))
	for _, part := range parts {
		if ingest.Valid(part) {
			valid = append(valid, part)
		}
	}
	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating temp directory %q: %w", p.tempDir, err)
	}

	records := make([]*ingest.DocumentRecord, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range valid {
		g.Go(func() error {
			rec, err := p.processOne(gctx, part)
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

func (p *Pipeline) processOne(ctx context.Context, part *ingest.UploadedPart) (*ingest.DocumentRecord, error) {
	if !IsVideo(part.Type) {
		return p.ingestor.PersistOne(ctx, part, ingest.Options{Pipeline: pipelineSync})
	}

	probe, err := p.media.Probe(ctx, part.Path)
	if err != nil {
		return nil, err
	}
	if probe.Video == nil {
		return p.ingestor.PersistOne(ctx, part, ingest.Options{Pipeline: pipelineSync, Extra: probe.Metadata()})
	}

	thumbID, err := p.thumbnail(ctx, part, probe)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(probe.VideoCodec(), p.cfg.TargetCodec) {
		part.Type = p.cfg.ContentType
		extra := probe.Metadata()
		extra[storage.MetaScreenshot] = thumbID
		return p.ingestor.PersistOne(ctx, part, ingest.Options{Pipeline: pipelineSync, Extra: extra})
	}
	return p.deferTranscode(part, probe, thumbID)
}

// thumbnail stores a still frame of part and returns its object id. Clips
// no longer than the configured offset are shot at their first frame.
func (p *Pipeline) thumbnail(ctx context.Context, part *ingest.UploadedPart, probe *media.ProbeResult) (string, error) {
	offset := p.cfg.ScreenshotOffset
	if probe.Duration > 0 && probe.Duration <= offset {
		offset = 0
	}
	shot := &ingest.UploadedPart{
		Field: part.Field,
		Name:  stem(part.Name) + ".jpg",
		Path:  filepath.Join(p.tempDir, uid.TempName("shot-", ".jpg")),
		Type:  screenshotType,
	}
	ingest.ScopeFrom(ctx).TrackPath(shot.Path)
	if err := p.media.Screenshot(ctx, part.Path, shot.Path, offset); err != nil {
		return "", err
	}
	if info, err := os.Stat(shot.Path); err == nil {
		shot.Size = info.Size()
	}
	rec, err := p.ingestor.PersistOne(ctx, shot, ingest.Options{Pipeline: pipelineSync})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// deferTranscode takes ownership of the staged file away from the request scope,
// hands the transcode to the task runner and returns the interim record.
func (p *Pipeline) deferTranscode(part *ingest.UploadedPart, probe *media.ProbeResult, thumbID string) (*ingest.DocumentRecord, error) {
	id := p.ingestor.NewID()
	src := part.Path
	part.Path = ""

	job := &deferredJob{
		objectID: id,
		name:     stem(part.Name) + ".mp4",
		field:    part.Field,
		src:      src,
		out:      filepath.Join(p.tempDir, uid.TempName("transcode-", ".mp4")),
		thumbID:  thumbID,
	}
	if p.journal != nil {
		jj := &journal.Job{ObjectID: id, Name: job.name, SourcePath: job.src, OutputPath: job.out}
		if err := p.journal.Begin(context.Background(), jj); err != nil {
			p.logger.Warn("recording deferred transcode", "object_id", id, "error", err)
		} else {
			job.journalID = jj.ID
		}
	}

	if err := p.tasks.Submit("transcode "+id, job.runWith(p)); err != nil {
		job.cleanup(p.logger)
		p.finishJournal(job, err)
		return nil, fmt.Errorf("scheduling transcode of %q: %w", part.Name, err)
	}
	p.logger.Info("transcode deferred", "object_id", id, "name", part.Name, "codec", probe.VideoCodec())

	// Duration is only known once the transcoded file has been probed.
	streams := probe.Metadata()
	delete(streams, storage.MetaDuration)
	interim := ingest.BaseMetadata(&ingest.UploadedPart{Name: job.name, Type: p.cfg.ContentType}).Merge(streams)
	return &ingest.DocumentRecord{
		ID:          id,
		Name:        job.name,
		ContentType: p.cfg.ContentType,
		Metadata:    interim,
	}, nil
}

type deferredJob struct {
	objectID  string
	name      string
	field     string
	src       string
	out       string
	thumbID   string
	journalID string
}

func (j *deferredJob) runWith(p *Pipeline) tasks.Func {
	return func(ctx context.Context) (err error) {
		defer func() {
			v := recover()
			if v != nil {
				err = fmt.Errorf("object %s: panic: %v", j.objectID, v)
			}
			j.cleanup(p.logger)
			p.finishJournal(j, err)
			if v != nil {
				panic(v)
			}
		}()

		if err := p.media.Transcode(ctx, j.src, j.out); err != nil {
			return fmt.Errorf("object %s: %w", j.objectID, err)
		}
		probe, err := p.media.Probe(ctx, j.out)
		if err != nil {
			return fmt.Errorf("object %s: %w", j.objectID, err)
		}
		info, err := os.Stat(j.out)
		if err != nil {
			return fmt.Errorf("object %s: %w", j.objectID, err)
		}

		extra := probe.Metadata()
		extra[storage.MetaScreenshot] = j.thumbID
		part := &ingest.UploadedPart{
			Field: j.field,
			Name:  j.name,
			Path:  j.out,
			Type:  p.cfg.ContentType,
			Size:  info.Size(),
		}
		rec, err := p.ingestor.PersistOne(ctx, part, ingest.Options{ID: j.objectID, Extra: extra, Pipeline: pipelineDeferred})
		if err != nil {
			return err
		}
		p.logger.Info("deferred transcode stored", "object_id", rec.ID, "md5", rec.MD5, "size", info.Size())
		return nil
	}
}

// cleanup removes both temp files whatever the outcome.
func (j *deferredJob) cleanup(logger *slog.Logger) {
	for _, path := range []string{j.src, j.out} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("removing transcode temp file", "object_id", j.objectID, "path", path, "error", err)
		}
	}
}

func (p *Pipeline) finishJournal(j *deferredJob, jobErr error) {
	if p.journal == nil || j.journalID == "" {
		return
	}
	if err := p.journal.Finish(context.Background(), j.journalID, jobErr); err != nil {
		p.logger.Warn("recording transcode outcome", "object_id", j.objectID, "error", err)
	}
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
