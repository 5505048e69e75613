package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/uid"
)

// maxFieldSize caps a non-file form field.
const maxFieldSize = 1 << 20

const genericType = "application/octet-stream"

// Parser stages multipart uploads into Dir.
type Parser struct {
	Dir    string
	Logger *slog.Logger
}

// Parse streams every file part of r into its own temp file and returns
// the valid parts in body order, plus the non-file form fields. Invalid
// parts are deleted and dropped. Every staged file is tracked by scope
// before it is written, so a failure halfway leaves nothing behind once
// the scope closes.
//
// A body that is not multipart yields no parts and no error.
func (p *Parser) Parse(r *http.Request, scope *Scope) ([]*UploadedPart, url.Values, error) {
	fields := url.Values{}
	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return nil, fields, nil
		}
		return nil, fields, fmt.Errorf("reading multipart body: %w: %w", gwerr.ErrMalformedBody, err)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return nil, fields, fmt.Errorf("creating temp directory %q: %w", p.Dir, err)
	}

	var parts []*UploadedPart
	for {
		mp, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return parts, fields, bodyError("reading multipart part", err)
		}

		if mp.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(mp, maxFieldSize))
			mp.Close()
			if err != nil {
				return parts, fields, bodyError("reading form field", err)
			}
			fields.Add(mp.FormName(), string(value))
			continue
		}

		part, err := p.stage(mp, scope)
		mp.Close()
		if err != nil {
			return parts, fields, err
		}
		if !Valid(part) {
			if p.Logger != nil {
				p.Logger.Debug("dropping invalid part", "field", part.Field, "name", part.Name, "type", part.Type, "size", part.Size)
			}
			os.Remove(part.Path)
			part.Path = ""
			continue
		}
		parts = append(parts, part)
	}
	return parts, fields, nil
}

func (p *Parser) stage(mp *multipart.Part, scope *Scope) (*UploadedPart, error) {
	part := &UploadedPart{
		Field: mp.FormName(),
		Name:  mp.FileName(),
		Type:  mp.Header.Get("Content-Type"),
		Path:  filepath.Join(p.Dir, uid.TempName("upload-", filepath.Ext(mp.FileName()))),
	}
	scope.TrackPart(part)

	f, err := os.Create(part.Path)
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(f, mp)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, bodyError("staging "+part.Name, err)
	}
	part.Size = n

	// Browsers fall back to the generic type for unknown extensions; the
	// content usually says more.
	if part.Type == genericType && n > 0 {
		if mt, err := mimetype.DetectFile(part.Path); err == nil {
			part.Type = mt.String()
		}
	}
	return part, nil
}

func bodyError(op string, err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%s: %w: %w", op, gwerr.ErrBodyTooLarge, err)
	}
	return fmt.Errorf("%s: %w: %w", op, gwerr.ErrMalformedBody, err)
}
