package office

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsweb/fsweb/internal/config"
	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/procrun"
	"github.com/fsweb/fsweb/internal/storage"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func testTools() config.ToolsConfig {
	return config.ToolsConfig{
		LibreOffice: "/usr/bin/libreoffice",
		Pdftoppm:    "pdftoppm",
		ImageFormat: "png",
		ImageDPI:    72,
	}
}

// fakeTools scripts libreoffice and pdftoppm to write pages output files.
func fakeTools(pages int) *procrun.FakeRunner {
	r := procrun.NewFakeRunner()
	r.Handle("libreoffice", func(ctx context.Context, args []string) ([]byte, error) {
		outDir, src := args[len(args)-2], args[len(args)-1]
		name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src)) + ".pdf"
		return nil, os.WriteFile(filepath.Join(outDir, name), []byte("%PDF-1.4 converted"), 0o644)
	})
	r.Handle("pdftoppm", func(ctx context.Context, args []string) ([]byte, error) {
		prefix := args[len(args)-1]
		width := len(fmt.Sprint(pages))
		for i := 1; i <= pages; i++ {
			if err := os.WriteFile(fmt.Sprintf("%s-%0*d.png", prefix, width, i), pngHeader, 0o644); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return r
}

func stagePart(t *testing.T, name, contentType, data string) *ingest.UploadedPart {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload-abc"+filepath.Ext(name))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return &ingest.UploadedPart{Name: name, Path: path, Type: contentType, Size: int64(len(data))}
}

func newPipeline(t *testing.T, runner procrun.Runner) (*Pipeline, *storage.MemoryStore, string) {
	store := storage.NewMemoryStore()
	tmp := t.TempDir()
	conv := NewConverter(runner, testTools(), nil)
	return NewPipeline(conv, ingest.New(store, nil), tmp, nil), store, tmp
}

func TestIsOffice(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/msword", true},
		{"application/vnd.ms-excel", true},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", true},
		{"application/vnd.oasis.opendocument.text", false},
		{"APPLICATION/VND.MS-POWERPOINT", true},
		{"application/pdf", false},
		{"text/plain", false},
		{"image/png", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsOffice(tt.contentType), tt.contentType)
	}
	assert.True(t, IsPDF("Application/PDF"))
}

func TestToPDF(t *testing.T) {
	runner := fakeTools(0)
	conv := NewConverter(runner, testTools(), nil)
	src := stagePart(t, "季度报告.docx", "application/msword", "doc")
	out := t.TempDir()

	pdf, err := conv.ToPDF(context.Background(), src, out)
	require.NoError(t, err)
	assert.Equal(t, "季度报告.pdf", pdf.Name)
	assert.Equal(t, filepath.Join(out, "upload-abc.pdf"), pdf.Path)
	assert.Equal(t, PDFType, pdf.Type)
	assert.True(t, ingest.Valid(pdf))

	calls := runner.Calls("libreoffice")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"--headless", "--convert-to", "pdf", "--outdir", out, src.Path}, calls[0].Args)
}

func TestToPDFNoOutput(t *testing.T) {
	runner := procrun.NewFakeRunner()
	runner.Handle("libreoffice", func(ctx context.Context, args []string) ([]byte, error) { return nil, nil })
	conv := NewConverter(runner, testTools(), nil)

	_, err := conv.ToPDF(context.Background(), stagePart(t, "a.doc", "application/msword", "x"), t.TempDir())
	assert.True(t, errors.Is(err, gwerr.ErrConversionFailed))
}

func TestToPDFToolFailure(t *testing.T) {
	runner := procrun.NewFakeRunner()
	runner.Handle("libreoffice", func(ctx context.Context, args []string) ([]byte, error) {
		return nil, procrun.Fail("libreoffice", 1, "source file could not be loaded")
	})
	conv := NewConverter(runner, testTools(), nil)

	_, err := conv.ToPDF(context.Background(), stagePart(t, "a.doc", "application/msword", "x"), t.TempDir())
	assert.True(t, errors.Is(err, gwerr.ErrConversionFailed))
	assert.True(t, errors.Is(err, gwerr.ErrProcessFailed))
	assert.Contains(t, err.Error(), "could not be loaded")
}

func TestRasterizeOrdersPagesNumerically(t *testing.T) {
	runner := fakeTools(11)
	conv := NewConverter(runner, testTools(), nil)
	pdf := stagePart(t, "slides.pdf", PDFType, "%PDF")
	out := t.TempDir()

	images, err := conv.Rasterize(context.Background(), pdf, out)
	require.NoError(t, err)
	require.Len(t, images, 11)
	for i, img := range images {
		assert.Equal(t, fmt.Sprintf("slides-%d.png", i+1), img.Name)
		assert.Equal(t, "image/png", img.Type)
		assert.True(t, ingest.Valid(img))
	}

	calls := runner.Calls("pdftoppm")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"-png", "-r", "72", pdf.Path, filepath.Join(out, "upload-abc")}, calls[0].Args)
}

func TestRasterizeNoPages(t *testing.T) {
	conv := NewConverter(fakeTools(0), testTools(), nil)
	_, err := conv.Rasterize(context.Background(), stagePart(t, "a.pdf", PDFType, "%PDF"), t.TempDir())
	assert.True(t, errors.Is(err, gwerr.ErrConversionFailed))
}

func TestProcessOfficeWithImages(t *testing.T) {
	p, store, tmp := newPipeline(t, fakeTools(3))
	scope := ingest.NewScope(nil)
	ctx := ingest.WithScope(context.Background(), scope)

	doc := stagePart(t, "plan.pptx", "application/vnd.openxmlformats-officedocument.presentationml.presentation", "pptx")
	results, err := p.Process(ctx, []*ingest.UploadedPart{doc}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, "plan.pptx", res.Origin.Name)
	require.NotNil(t, res.PDF)
	assert.Equal(t, "plan.pdf", res.PDF.Name)
	require.Len(t, res.Images, 3)
	assert.Equal(t, "plan-1.png", res.Images[0].Name)
	assert.Equal(t, "plan-3.png", res.Images[2].Name)
	assert.Equal(t, 5, store.Len())

	// Derived files live until the scope closes.
	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	scope.Close()
	entries, err = os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessOfficeWithoutImages(t *testing.T) {
	runner := fakeTools(2)
	p, store, _ := newPipeline(t, runner)

	results, err := p.Process(context.Background(), []*ingest.UploadedPart{
		stagePart(t, "a.xlsx", "application/vnd.ms-excel", "xls"),
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotNil(t, results[0].PDF)
	assert.Nil(t, results[0].Images)
	assert.Equal(t, 2, store.Len())
	assert.Empty(t, runner.Calls("pdftoppm"))
}

func TestProcessPDFAndPassthrough(t *testing.T) {
	runner := fakeTools(2)
	p, store, _ := newPipeline(t, runner)

	parts := []*ingest.UploadedPart{
		stagePart(t, "scan.pdf", PDFType, "%PDF"),
		stagePart(t, "notes.txt", "text/plain", "hello"),
	}
	results, err := p.Process(context.Background(), parts, true)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Nil(t, results[0].PDF)
	assert.Len(t, results[0].Images, 2)
	assert.Equal(t, "scan-1.png", results[0].Images[0].Name)

	assert.Equal(t, "notes.txt", results[1].Origin.Name)
	assert.Nil(t, results[1].PDF)
	assert.Nil(t, results[1].Images)

	assert.Equal(t, 4, store.Len())
	assert.Empty(t, runner.Calls("libreoffice"))
}

func TestProcessPDFWithoutImagesIsStoredAsIs(t *testing.T) {
	runner := fakeTools(2)
	p, store, _ := newPipeline(t, runner)

	results, err := p.Process(context.Background(), []*ingest.UploadedPart{stagePart(t, "scan.pdf", PDFType, "%PDF")}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].PDF)
	assert.Nil(t, results[0].Images)
	assert.Equal(t, 1, store.Len())
	assert.Empty(t, runner.Calls(""))
}

func TestProcessConversionFailureStoresNothing(t *testing.T) {
	runner := procrun.NewFakeRunner()
	runner.Handle("libreoffice", func(ctx context.Context, args []string) ([]byte, error) {
		return nil, procrun.Fail("libreoffice", 77, "")
	})
	p, store, _ := newPipeline(t, runner)

	_, err := p.Process(context.Background(), []*ingest.UploadedPart{
		stagePart(t, "ok.txt", "text/plain", "x"),
		stagePart(t, "bad.doc", "application/msword", "x"),
	}, false)
	require.Error(t, err)
	assert.Equal(t, 0, store.Len())
}
