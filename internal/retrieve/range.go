package retrieve

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	gwerr "github.com/fsweb/fsweb/internal/errors"
)

// errMalformedRange marks a Range header that is not a byte range at all.
// Such headers are ignored and the whole object is served.
var errMalformedRange = errors.New("malformed range header")

// parseRange resolves a "bytes=" Range header against objectSize and
// returns the inclusive byte bounds. Only the first range of a list is
// used. An end past the object is clamped; a start past it, or any range
// of an empty object, yields a *gwerr.RangeError.
func parseRange(header string, objectSize int64) (start, end int64, err error) {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, fmt.Errorf("%w: missing bytes= prefix", errMalformedRange)
	}
	rng := strings.TrimPrefix(header, "bytes=")
	if i := strings.IndexByte(rng, ','); i >= 0 {
		rng = rng[:i]
	}

	parts := strings.SplitN(rng, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", errMalformedRange, rng)
	}
	startStr := strings.TrimSpace(parts[0])
	endStr := strings.TrimSpace(parts[1])
	if startStr == "" && endStr == "" {
		return 0, 0, fmt.Errorf("%w: both bounds empty", errMalformedRange)
	}

	unsatisfiable := &gwerr.RangeError{Size: objectSize}

	if startStr == "" {
		// Suffix range: bytes=-N (last N bytes).
		suffix, perr := strconv.ParseInt(endStr, 10, 64)
		if perr != nil || suffix < 0 {
			return 0, 0, fmt.Errorf("%w: suffix %q", errMalformedRange, endStr)
		}
		if suffix == 0 || objectSize == 0 {
			return 0, 0, unsatisfiable
		}
		if suffix >= objectSize {
			return 0, objectSize - 1, nil
		}
		return objectSize - suffix, objectSize - 1, nil
	}

	start, perr := strconv.ParseInt(startStr, 10, 64)
	if perr != nil || start < 0 {
		return 0, 0, fmt.Errorf("%w: start %q", errMalformedRange, startStr)
	}
	if endStr == "" {
		end = objectSize - 1
	} else {
		end, perr = strconv.ParseInt(endStr, 10, 64)
		if perr != nil || end < 0 {
			return 0, 0, fmt.Errorf("%w: end %q", errMalformedRange, endStr)
		}
		if start > end {
			return 0, 0, fmt.Errorf("%w: start %d > end %d", errMalformedRange, start, end)
		}
	}
	if start >= objectSize {
		return 0, 0, unsatisfiable
	}
	if end >= objectSize {
		end = objectSize - 1
	}
	return start, end, nil
}
