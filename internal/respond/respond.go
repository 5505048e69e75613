// Package respond writes fsweb's HTTP response bodies: JSON results and
// plain-text errors.
package respond

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gwerr "github.com/fsweb/fsweb/internal/errors"
	"github.com/fsweb/fsweb/internal/logging"
)

// RequestIDHeader carries the request id on every response.
const RequestIDHeader = "actionid"

// DeleteResult is the body of a successful delete.
type DeleteResult struct {
	Code    int    `json:"code"`
	CodeMsg string `json:"code_msg"`
}

// Deleted is the canonical delete acknowledgement.
var Deleted = DeleteResult{Code: 1, CodeMsg: "删除成功！"}

// JSON writes v as a JSON body with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

// Error writes the catalogue message for err as plain text with the mapped
// status. The full error, which may carry paths and tool output, is only
// logged.
func Error(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	ge := gwerr.Lookup(err)
	logger = logging.OrDefault(logger, "http")
	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", ge.HTTPStatus,
		"code", ge.Code,
		"error", err,
		RequestIDHeader, w.Header().Get(RequestIDHeader),
	}
	if ge.HTTPStatus >= http.StatusInternalServerError {
		logger.Error("request failed", attrs...)
	} else {
		logger.Info("request rejected", attrs...)
	}
	Text(w, ge.HTTPStatus, ge.Message)
}

// Text writes a plain-text body.
func Text(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	io.WriteString(w, msg)
}

// FormatTimeHTTP formats a time.Time as an HTTP date per RFC 7231
// (e.g., "Mon, 02 Jan 2006 15:04:05 GMT").
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}
