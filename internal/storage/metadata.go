package storage

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

// Well-known metadata keys.
const (
	MetaContentType  = "content-type"
	MetaOriginalName = "originalfilename"
	MetaScreenshot   = "screenshot"
	MetaVideo        = "video"
	MetaAudio        = "audio"
	MetaDuration     = "duration"
)

// Metadata is the string map attached to a stored object. Structured values
// (media stream descriptors) are stored as JSON text.
type Metadata map[string]string

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge returns a copy of m with every key of extra applied on top.
func (m Metadata) Merge(extra Metadata) Metadata {
	out := m.Clone()
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// OriginalName returns the decoded original filename, or "".
func (m Metadata) OriginalName() string {
	return DecodeFilename(m[MetaOriginalName])
}

// splitMetadata separates the content type, which every backend stores as a
// system property, from user metadata.
func splitMetadata(meta Metadata) (contentType string, user map[string]string) {
	user = make(map[string]string, len(meta))
	for k, v := range meta {
		if strings.EqualFold(k, MetaContentType) {
			contentType = v
			continue
		}
		user[strings.ToLower(k)] = v
	}
	return contentType, user
}

// joinMetadata rebuilds Metadata from a backend's user map and content type.
// Keys are lowercased since backends disagree on header casing.
func joinMetadata(user map[string]string, contentType string) Metadata {
	out := make(Metadata, len(user)+1)
	for k, v := range user {
		out[strings.ToLower(k)] = v
	}
	if contentType != "" {
		out[MetaContentType] = contentType
	}
	return out
}

// EncodeFilename percent-encodes name the way browsers' encodeURIComponent
// does, so it is safe as an object metadata value and a header parameter.
func EncodeFilename(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", c) >= 0
}

// DecodeFilename reverses EncodeFilename. Undecodable input is returned as is.
func DecodeFilename(s string) string {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// normalizeETag strips quotes and the weak prefix from an ETag.
func normalizeETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// openUpload opens a staged file and computes its MD5. The file is rewound
// before returning.
func openUpload(localPath string) (*os.File, int64, []byte, error) {
	if localPath == "" {
		return nil, 0, nil, fmt.Errorf("empty path: %w", gwerr.ErrNoReadableFile)
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("opening %s: %w: %w", localPath, gwerr.ErrNoReadableFile, err)
	}
	h := md5.New()
	size, err := io.Copy(h, f)
	if err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("reading %s: %w: %w", localPath, gwerr.ErrNoReadableFile, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, nil, fmt.Errorf("rewinding %s: %w", localPath, err)
	}
	return f, size, h.Sum(nil), nil
}

func hexSum(sum []byte) string {
	return hex.EncodeToString(sum)
}
