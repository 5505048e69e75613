// Package uid provides identifier generation for fsweb.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (version 4) UUID used as an object id.
func New() string {
	return uuid.NewString()
}

// TempName returns a collision-free file name for staged data, keeping ext
// (with or without its leading dot) so external tools can infer the format.
func TempName(prefix, ext string) string {
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if ext == "" {
		return name
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return name + ext
}
