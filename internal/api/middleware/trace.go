package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// TraceHeader carries the request trace id in both directions.
const TraceHeader = "X-Trace-Id"

const maxTraceIDLen = 128

// TraceID resolves the request trace id from a W3C traceparent header, then
// X-Trace-Id, and generates one when neither is usable. The id is stored in
// the request context and echoed in the X-Trace-Id response header.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := traceIDFromRequest(r)
		w.Header().Set(TraceHeader, id)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), id)))
	})
}

func traceIDFromRequest(r *http.Request) string {
	if id, ok := parseTraceparent(r.Header.Get("traceparent")); ok {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(TraceHeader)); validTraceID(id) {
		return id
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// parseTraceparent extracts the trace-id field of version-00-style headers:
// "{version}-{trace-id}-{parent-id}-{flags}".
func parseTraceparent(h string) (string, bool) {
	parts := strings.Split(strings.TrimSpace(h), "-")
	if len(parts) < 4 {
		return "", false
	}
	version, traceID, parentID := parts[0], parts[1], parts[2]
	if len(version) != 2 || !isLowerHex(version) || version == "ff" {
		return "", false
	}
	if len(traceID) != 32 || !isLowerHex(traceID) || strings.Trim(traceID, "0") == "" {
		return "", false
	}
	if len(parentID) != 16 || !isLowerHex(parentID) {
		return "", false
	}
	return traceID, true
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

func validTraceID(s string) bool {
	if s == "" || len(s) > maxTraceIDLen {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
