package office

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/logging"
)

const pipelineName = "office"

// Result groups the records produced from one uploaded document.
type Result struct {
	Origin *ingest.DocumentRecord   `json:"origin"`
	PDF    *ingest.DocumentRecord   `json:"pdf,omitempty"`
	Images []*ingest.DocumentRecord `json:"images,omitempty"`
}

// Pipeline converts and persists office uploads.
type Pipeline struct {
	conv     *Converter
	ingestor *ingest.Ingestor
	tempDir  string
	logger   *slog.Logger
}

// NewPipeline creates a Pipeline staging derived files under tempDir.
func NewPipeline(conv *Converter, ingestor *ingest.Ingestor, tempDir string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		conv:     conv,
		ingestor: ingestor,
		tempDir:  tempDir,
		logger:   logging.OrDefault(logger, "office"),
	}
}

type conversion struct {
	origin *ingest.UploadedPart
	pdf    *ingest.UploadedPart
	images []*ingest.UploadedPart
}

// Process converts every part and persists the originals and derivatives.
// Office documents become a PDF, plus page images when toImages is set; a
// PDF upload is only rasterized when toImages is set; anything else is
// stored as is. Derived files are tracked by the request scope in ctx.
func (p *Pipeline) Process(ctx context.Context, parts []*ingest.UploadedPart, toImages bool) ([]*Result, error) {
	scope := ingest.ScopeFrom(ctx)

	// The office suite locks its user profile, so conversions run one at
	// a time.
	convs := make([]conversion, 0, len(parts))
	for _, part := range parts {
		if !ingest.Valid(part) {
			continue
		}
		c, err := p.convert(ctx, scope, part, toImages)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}

	results := make([]*Result, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range convs {
		g.Go(func() error {
			res, err := p.persist(gctx, c)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p.logger.Info("office upload stored", "documents", len(results), "images", toImages)
	return results, nil
}

func (p *Pipeline) convert(ctx context.Context, scope *ingest.Scope, part *ingest.UploadedPart, toImages bool) (conversion, error) {
	c := conversion{origin: part}
	office := IsOffice(part.Type)
	if !office && !(toImages && IsPDF(part.Type)) {
		return c, nil
	}

	if err := os.MkdirAll(p.tempDir, 0o755); err != nil {
		return c, fmt.Errorf("creating temp directory %q: %w", p.tempDir, err)
	}
	dir, err := os.MkdirTemp(p.tempDir, "office-")
	if err != nil {
		return c, fmt.Errorf("creating conversion directory: %w", err)
	}
	scope.TrackDir(dir)

	source := part
	if office {
		pdf, err := p.conv.ToPDF(ctx, part, dir)
		if err != nil {
			return c, err
		}
		c.pdf = pdf
		source = pdf
	}
	if toImages {
		images, err := p.conv.Rasterize(ctx, source, dir)
		if err != nil {
			return c, err
		}
		c.images = images
	}
	return c, nil
}

func (p *Pipeline) persist(ctx context.Context, c conversion) (*Result, error) {
	origin, err := p.ingestor.PersistOne(ctx, c.origin, ingest.Options{Pipeline: pipelineName})
	if err != nil {
		return nil, err
	}
	res := &Result{Origin: origin}
	if c.pdf != nil {
		if res.PDF, err = p.ingestor.PersistOne(ctx, c.pdf, ingest.Options{Pipeline: pipelineName}); err != nil {
			return nil, err
		}
	}
	if c.images != nil {
		if res.Images, err = p.ingestor.Persist(ctx, c.images, pipelineName); err != nil {
			return nil, err
		}
	}
	return res, nil
}
