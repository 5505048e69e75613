// Package errors defines the error catalogue used throughout fsweb.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// GatewayError is a caller-visible failure with a machine-readable code,
// a human-readable message and the HTTP status it maps to.
type GatewayError struct {
	// Code is the error class (e.g., "NotFound", "InvalidRange").
	Code string
	// Message is returned to the client as the response body.
	Message string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
}

// Error implements the error interface for GatewayError.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Pre-defined errors.
var (
	// ErrStoreUnavailable is returned when the blob store or its namespace
	// cannot be reached.
	ErrStoreUnavailable = &GatewayError{
		Code:       "StoreUnavailable",
		Message:    "The blob store is unavailable",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrNotFound is returned when an object id does not exist.
	ErrNotFound = &GatewayError{
		Code:       "NotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInvalidRange is returned when a byte range cannot be satisfied.
	ErrInvalidRange = &GatewayError{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	// ErrEmptyIDList is returned when a comma-separated id list has no entries.
	ErrEmptyIDList = &GatewayError{
		Code:       "EmptyIdList",
		Message:    "id is empty!",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrIDRequired is returned when a request carries no id at all.
	ErrIDRequired = &GatewayError{
		Code:       "IdRequired",
		Message:    "id can not be empty!",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrInvalidID is returned for ids containing pattern metacharacters.
	ErrInvalidID = &GatewayError{
		Code:       "InvalidId",
		Message:    "id must not contain any of . , * + ?",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrTooManyParts is returned when a replace-in-place request does not
	// carry exactly one file.
	ErrTooManyParts = &GatewayError{
		Code:       "TooManyParts",
		Message:    "Could not replace more than 1 file.",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrMalformedBody is returned when a request body cannot be parsed.
	ErrMalformedBody = &GatewayError{
		Code:       "MalformedBody",
		Message:    "The request body could not be parsed",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrBodyTooLarge is returned when a request body exceeds the upload cap.
	ErrBodyTooLarge = &GatewayError{
		Code:       "BodyTooLarge",
		Message:    "The request body is too large",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrNoReadableFile is returned when a staged part cannot be read.
	ErrNoReadableFile = &GatewayError{
		Code:       "NoReadableFile",
		Message:    "The uploaded file could not be read",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrProcessFailed is returned when an external tool exits unsuccessfully.
	ErrProcessFailed = &GatewayError{
		Code:       "ProcessFailed",
		Message:    "An external conversion tool failed",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrProbeFailed is returned when media stream information cannot be read.
	ErrProbeFailed = &GatewayError{
		Code:       "ProbeFailed",
		Message:    "The media file could not be probed",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrScreenshotFailed is returned when no still frame could be extracted.
	ErrScreenshotFailed = &GatewayError{
		Code:       "ScreenshotFailed",
		Message:    "The video screenshot could not be taken",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrTranscodeFailed is returned when re-encoding a video fails.
	ErrTranscodeFailed = &GatewayError{
		Code:       "TranscodeFailed",
		Message:    "The video could not be transcoded",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrConversionFailed is returned when an office document cannot be
	// converted to PDF or rasterized.
	ErrConversionFailed = &GatewayError{
		Code:       "ConversionFailed",
		Message:    "The document could not be converted",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrInternal is the catch-all for failures without a catalogue entry.
	ErrInternal = &GatewayError{
		Code:       "InternalError",
		Message:    "internal error",
		HTTPStatus: http.StatusInternalServerError,
	}
)

// ProcessError describes a failed external command. It matches
// ErrProcessFailed under errors.Is.
type ProcessError struct {
	Command  string
	Args     []string
	ExitCode int
	// Stderr is a bounded excerpt of the command's standard error.
	Stderr string
	// Err is the underlying exec error.
	Err error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Command)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s failed: %v", e.Command, e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Is reports ErrProcessFailed as a match.
func (e *ProcessError) Is(target error) bool {
	return target == ErrProcessFailed
}

// RangeError carries the object size alongside ErrInvalidRange so callers
// can answer with Content-Range: bytes */<size>.
type RangeError struct {
	Size int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("range not satisfiable for object of %d bytes", e.Size)
}

// Is reports ErrInvalidRange as a match.
func (e *RangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

// Lookup returns the catalogue entry err wraps, or ErrInternal.
func Lookup(err error) *GatewayError {
	var ge *GatewayError
	if stderrors.As(err, &ge) {
		return ge
	}
	for _, candidate := range []*GatewayError{ErrInvalidRange, ErrProcessFailed} {
		if stderrors.Is(err, candidate) {
			return candidate
		}
	}
	return ErrInternal
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	return Lookup(err).HTTPStatus
}
