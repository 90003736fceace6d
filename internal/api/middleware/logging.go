// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"time"

	"github.com/ManuGH/streamrec/internal/log"
)

// AccessLog writes one structured line per request. Probe and scrape paths
// log at debug.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		logger := log.WithComponentFromContext(r.Context(), "api")
		ev := logger.Info()
		if !shouldTrace(r) {
			ev = logger.Debug()
		}
		ev.Str(log.FieldEvent, "api.request").
			Str("method", r.Method).
			Str(log.FieldPath, r.URL.Path).
			Int("status", sw.statusCode).
			Int(log.FieldBytes, sw.bytesWritten).
			Dur("latency", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("request served")
	})
}
