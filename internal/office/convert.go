// Package office converts uploaded office documents to PDF and rasterizes
// PDFs into page images before the results are persisted.
package office

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fsweb/fsweb/internal/config"
	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/procrun"
)

// PDFType is the MIME type of converted documents.
const PDFType = "application/pdf"

var officeType = regexp.MustCompile(`(?i)^application/.*(ms|office).*`)

// IsOffice reports whether contentType names a document the office suite
// can convert (Word, Excel, PowerPoint and OpenDocument variants).
func IsOffice(contentType string) bool {
	return officeType.MatchString(contentType)
}

// IsPDF reports whether contentType is PDF.
func IsPDF(contentType string) bool {
	return strings.EqualFold(strings.TrimSpace(contentType), PDFType)
}

// Converter drives the office suite and the PDF rasterizer.
type Converter struct {
	runner      procrun.Runner
	libreoffice string
	pdftoppm    string
	format      string
	dpi         int
	logger      *slog.Logger
}

// NewConverter creates a Converter using the executables named in tools.
func NewConverter(runner procrun.Runner, tools config.ToolsConfig, logger *slog.Logger) *Converter {
	format := tools.ImageFormat
	if format == "" {
		format = "png"
	}
	dpi := tools.ImageDPI
	if dpi <= 0 {
		dpi = 150
	}
	return &Converter{
		runner:      runner,
		libreoffice: tools.LibreOffice,
		pdftoppm:    tools.Pdftoppm,
		format:      format,
		dpi:         dpi,
		logger:      logging.OrDefault(logger, "office"),
	}
}

// ToPDF converts src into outDir. The office suite names its output after
// the input file, so the staged name (not the display name) determines the
// output path. The returned part is named after the original document.
func (c *Converter) ToPDF(ctx context.Context, src *ingest.UploadedPart, outDir string) (*ingest.UploadedPart, error) {
	if _, err := c.runner.Run(ctx, c.libreoffice,
		"--headless",
		"--convert-to", "pdf",
		"--outdir", outDir,
		src.Path,
	); err != nil {
		return nil, fmt.Errorf("converting %q to pdf: %w: %w", src.Name, gwerr.ErrConversionFailed, err)
	}

	out := filepath.Join(outDir, stem(filepath.Base(src.Path))+".pdf")
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return nil, fmt.Errorf("converting %q to pdf: no output at %s: %w", src.Name, out, gwerr.ErrConversionFailed)
	}
	c.logger.Debug("converted to pdf", "name", src.Name, "pdf", out, "size", info.Size())
	return &ingest.UploadedPart{
		Field: src.Field,
		Name:  stem(src.Name) + ".pdf",
		Path:  out,
		Type:  PDFType,
		Size:  info.Size(),
	}, nil
}

// Rasterize renders every page of pdf into outDir and returns the images
// in page order, named "<document>-<page>.<ext>".
func (c *Converter) Rasterize(ctx context.Context, pdf *ingest.UploadedPart, outDir string) ([]*ingest.UploadedPart, error) {
	prefix := filepath.Join(outDir, stem(filepath.Base(pdf.Path)))
	if _, err := c.runner.Run(ctx, c.pdftoppm,
		"-"+c.format,
		"-r", strconv.Itoa(c.dpi),
		pdf.Path,
		prefix,
	); err != nil {
		return nil, fmt.Errorf("rasterizing %q: %w: %w", pdf.Name, gwerr.ErrConversionFailed, err)
	}

	pages, err := collectPages(prefix, c.extension())
	if err != nil {
		return nil, fmt.Errorf("rasterizing %q: %w: %w", pdf.Name, gwerr.ErrConversionFailed, err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("rasterizing %q: no pages written: %w", pdf.Name, gwerr.ErrConversionFailed)
	}

	base := stem(pdf.Name)
	images := make([]*ingest.UploadedPart, 0, len(pages))
	for _, pg := range pages {
		info, err := os.Stat(pg.path)
		if err != nil {
			return nil, fmt.Errorf("rasterizing %q: %w: %w", pdf.Name, gwerr.ErrConversionFailed, err)
		}
		contentType := "image/" + c.format
		if mt, err := mimetype.DetectFile(pg.path); err == nil {
			contentType = mt.String()
		}
		images = append(images, &ingest.UploadedPart{
			Field: pdf.Field,
			Name:  fmt.Sprintf("%s-%d%s", base, pg.number, c.extension()),
			Path:  pg.path,
			Type:  contentType,
			Size:  info.Size(),
		})
	}
	c.logger.Debug("rasterized", "name", pdf.Name, "pages", len(images))
	return images, nil
}

func (c *Converter) extension() string {
	if c.format == "jpeg" {
		return ".jpg"
	}
	return "." + c.format
}

type page struct {
	number int
	path   string
}

// collectPages finds "<prefix>-<n><ext>" files. The rasterizer zero-pads
// page numbers to the width of the page count, so they are parsed rather
// than compared as strings.
func collectPages(prefix, ext string) ([]page, error) {
	matches, err := filepath.Glob(prefix + "-*" + ext)
	if err != nil {
		return nil, err
	}
	pages := make([]page, 0, len(matches))
	for _, m := range matches {
		digits := strings.TrimSuffix(strings.TrimPrefix(m, prefix+"-"), ext)
		n, err := strconv.Atoi(digits)
		if err != nil {
			continue
		}
		pages = append(pages, page{number: n, path: m})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].number < pages[j].number })
	return pages, nil
}

// stem strips the last extension from name.
func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
