// Package ingest turns uploaded request parts into stored objects: multipart
// staging, the part validity predicate, request-scoped temp cleanup, and
// persistence through the blob store.
package ingest

// UploadedPart is a file staged on local disk before persistence.
type UploadedPart struct {
	// Field is the multipart form field the part arrived in.
	Field string
	// Name is the client-supplied original filename.
	Name string
	// Path is the staged file. An empty Path means the file is owned by
	// someone other than the request scope.
	Path string
	// Type is the MIME type.
	Type string
	Size int64
}

// Valid reports whether p looks like a real file: name, path and type are
// set and the size is positive. Parts failing this are dropped silently.
func Valid(p *UploadedPart) bool {
	return p != nil && p.Name != "" && p.Path != "" && p.Type != "" && p.Size > 0
}
