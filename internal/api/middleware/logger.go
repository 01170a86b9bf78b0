package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// Logger returns structured request logging middleware. Each line carries
// the matched route and, for document routes, the storage key or client
// code it addressed.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		event := levelFor(rw.statusCode).
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path)
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if route := rctx.RoutePattern(); route != "" {
				event = event.Str("route", route)
			}
			if key := rctx.URLParam("*"); key != "" {
				event = event.Str("key", key)
			}
			if code := rctx.URLParam("code"); code != "" {
				event = event.Str("client", code)
			}
		}
		if etag := rw.Header().Get("ETag"); etag != "" {
			event = event.Str("etag", etag)
		}
		event.
			Int("status", rw.statusCode).
			Int("bytes", rw.bytes).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// levelFor logs 5xx at error and 4xx at warn. 304s go to debug since
// conditional reads are routine.
func levelFor(status int) *zerolog.Event {
	switch {
	case status >= 500:
		return log.Error()
	case status >= 400:
		return log.Warn()
	case status == http.StatusNotModified:
		return log.Debug()
	}
	return log.Info()
}
