// Package handlers implements the HTTP handlers for the file routes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/ingest"
	"github.com/fsweb/fsweb/internal/storage"
)

// maxIDBody caps a delete request body.
const maxIDBody = 1 << 20

// downloadNameRegex matches a download parameter that is a usable filename.
var downloadNameRegex = regexp.MustCompile(`.+\..+`)

// stager opens a request scope and stages the multipart parts of an upload.
type stager struct {
	parser    *ingest.Parser
	maxUpload int64
	logger    *slog.Logger
}

// stage caps the body, attaches a fresh scope to the request context and
// stages every file part. The caller closes the scope once the response has
// been written, whether or not stage failed.
func (s *stager) stage(w http.ResponseWriter, r *http.Request) (context.Context, *ingest.Scope, []*ingest.UploadedPart, url.Values, error) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	scope := ingest.NewScope(s.logger)
	ctx := ingest.WithScope(r.Context(), scope)
	parts, fields, err := s.parser.Parse(r.WithContext(ctx), scope)
	return ctx, scope, parts, fields, err
}

// contentDisposition builds the Content-Disposition for a download. A
// download value that looks like "name.ext" becomes the attachment name;
// any other download value keeps the stored name; no download value serves
// the file inline.
func contentDisposition(q url.Values, name string) string {
	stored := storage.EncodeFilename(name)
	if !q.Has("download") {
		return "inline; filename=" + stored
	}
	if dl := q.Get("download"); downloadNameRegex.MatchString(dl) {
		return "attachment; filename=" + storage.EncodeFilename(dl)
	}
	return "attachment; filename=" + stored
}

// weakETag formats hash as a weak entity tag.
func weakETag(hash string) string {
	return `W/"` + hash + `"`
}

// notModified reports whether the If-None-Match header names etag.
func notModified(r *http.Request, etag string) bool {
	header := r.Header.Get("If-None-Match")
	if header == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, tag := range strings.Split(header, ",") {
		if strings.TrimSpace(tag) == etag {
			return true
		}
	}
	return false
}

// queryID returns the first non-empty of the delfile_name and id query
// parameters.
func queryID(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("delfile_name"); v != "" {
		return v
	}
	return q.Get("id")
}

// deleteIDs collects the raw id list of a delete request: the query first,
// then an "id" body field. A JSON body may carry the id as a string or an
// array of strings; arrays are joined with commas.
func deleteIDs(r *http.Request) (string, error) {
	if raw := queryID(r); raw != "" {
		return raw, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(nil, r.Body, maxIDBody)
		if err := r.ParseMultipartForm(maxIDBody); err != nil {
			return "", fmt.Errorf("parsing delete form: %w: %w", gwerr.ErrMalformedBody, err)
		}
		defer r.MultipartForm.RemoveAll()
		return strings.Join(r.MultipartForm.Value["id"], ","), nil
	}
	if mediaType != "application/json" {
		if err := r.ParseForm(); err != nil {
			return "", fmt.Errorf("parsing delete form: %w: %w", gwerr.ErrMalformedBody, err)
		}
		return strings.Join(r.PostForm["id"], ","), nil
	}

	var body struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxIDBody)).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		return "", fmt.Errorf("decoding delete body: %w: %w", gwerr.ErrMalformedBody, err)
	}
	if len(body.ID) == 0 || string(body.ID) == "null" {
		return "", nil
	}
	var one string
	if err := json.Unmarshal(body.ID, &one); err == nil {
		return one, nil
	}
	var many []string
	if err := json.Unmarshal(body.ID, &many); err != nil {
		return "", fmt.Errorf("delete id must be a string or an array of strings: %w", gwerr.ErrMalformedBody)
	}
	return strings.Join(many, ","), nil
}
