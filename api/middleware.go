package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"weavelab/docs"
)

// WithDefaults wraps a handler with the middleware every plain request
// route gets. Streaming routes skip it.
func WithDefaults(h http.Handler, timeout time.Duration) http.Handler {
	return TimeoutMiddleware(
		GzipMiddleware(h),
		timeout,
	)
}

// LoggingMiddleware logs all requests.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lw := &loggingResponseWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(lw, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", lw.status,
				"duration", time.Since(start),
			)
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (lw *loggingResponseWriter) WriteHeader(status int) {
	lw.status = status
	lw.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket upgrades through the logger.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (lw *loggingResponseWriter) Unwrap() http.ResponseWriter {
	return lw.ResponseWriter
}

// TimeoutMiddleware adds a timeout to requests.
func TimeoutMiddleware(next http.Handler, timeout time.Duration) http.Handler {
	return http.TimeoutHandler(next, timeout, "request timeout")
}

// GzipMiddleware decompresses gzip request bodies and compresses responses.
func GzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "invalid gzip body", http.StatusBadRequest)
				return
			}
			defer gr.Close()
			r.Body = io.NopCloser(gr)
		}

		if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			w.Header().Add("Vary", "Accept-Encoding")
			gz := gzip.NewWriter(w)
			defer gz.Close()
			w = &gzipResponseWriter{ResponseWriter: w, Writer: gz}
		}

		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	io.Writer
}

func (grw *gzipResponseWriter) Write(p []byte) (int, error) {
	return grw.Writer.Write(p)
}

type ctxKey int

const docKey ctxKey = iota

// WithDoc is middleware that resolves the {doc} path value and injects the
// open document handle. The handle stays pinned for the whole request.
func WithDoc(reg *docs.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name := r.PathValue("doc")

			dh, err := reg.Get(r.Context(), name)
			switch {
			case errors.Is(err, docs.ErrDocNotFound):
				writeError(w, http.StatusNotFound, "document not found", nil)
				return
			case errors.Is(err, docs.ErrInvalidName):
				writeError(w, http.StatusBadRequest, "invalid document name", nil)
				return
			case err != nil:
				logger.Error("opening document", "doc", name, "error", err)
				writeError(w, http.StatusInternalServerError, "internal error", nil)
				return
			}

			reg.Acquire(dh)
			defer reg.Release(dh)

			ctx := context.WithValue(r.Context(), docKey, dh)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DocFrom returns the document handle from request context.
func DocFrom(ctx context.Context) *docs.Handle {
	if v := ctx.Value(docKey); v != nil {
		return v.(*docs.Handle)
	}
	return nil
}
