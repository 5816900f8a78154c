package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeoutExemptPaths finish on their own schedule: probes stay cheap
// and the audit stream holds its connection open for hours.
var timeoutExemptPaths = map[string]bool{
	"/healthz":         true,
	"/readyz":          true,
	"/v1/audit/stream": true,
}

// statusWriter remembers the response status for the request log and
// forwards hijack requests so websocket upgrades keep working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// RequestLogMiddleware mints the request id (honoring an inbound
// X-Request-ID), sets it on the response, and logs one line per request
// with method, path, status and duration.
func RequestLogMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
			}
			w.Header().Set("X-Request-ID", requestID)

			sw := &statusWriter{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(sw, r.WithContext(withRequestID(r.Context(), requestID)))
			durationMS := float64(time.Since(start).Microseconds()) / 1000.0

			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			switch {
			case status >= 500:
				logger.Printf("🔥 request_id=%s method=%s path=%s status=%d duration_ms=%.2f",
					requestID, r.Method, r.URL.Path, status, durationMS)
			case status >= 400:
				logger.Printf("⚠️ request_id=%s method=%s path=%s status=%d duration_ms=%.2f",
					requestID, r.Method, r.URL.Path, status, durationMS)
			default:
				logger.Printf("request_id=%s method=%s path=%s status=%d duration_ms=%.2f",
					requestID, r.Method, r.URL.Path, status, durationMS)
			}
		})
	}
}

// RecoverMiddleware converts handler panics into opaque 500s. It sits
// inside the request logger so the failure still gets a log line, and
// outside the idempotency middleware, which re-panics after clearing
// its reservation.
func RecoverMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Printf("🔥 panic recovered: %v method=%s path=%s", p, r.Method, r.URL.Path)
					writeStableError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware applies the configured allowed origins and answers
// preflight requests.
func CORSMiddleware(origins string) func(http.Handler) http.Handler {
	allowed := strings.TrimSpace(origins)
	if allowed == "" {
		allowed = "*"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, X-API-Key, X-Tenant-ID, X-Delegation-Token, Idempotency-Key, X-Request-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bufferedResponse accumulates a full handler response so the timeout
// middleware can discard it when the deadline has already fired.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), status: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) { b.status = code }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) flushTo(w http.ResponseWriter) {
	dst := w.Header()
	for k, vals := range b.header {
		dst[k] = vals
	}
	w.WriteHeader(b.status)
	w.Write(b.body.Bytes())
}

// TimeoutMiddleware bounds handler latency. The handler runs against a
// buffered writer in its own goroutine; if the deadline fires first the
// caller gets a 504 and the late response is dropped. Panics propagate
// to the recovery middleware.
func TimeoutMiddleware(seconds int) func(http.Handler) http.Handler {
	if seconds <= 0 {
		seconds = 30
	}
	timeout := time.Duration(seconds) * time.Second
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if timeoutExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			buf := newBufferedResponse()
			done := make(chan struct{})
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						panicked <- p
					}
				}()
				next.ServeHTTP(buf, r.WithContext(ctx))
				close(done)
			}()

			select {
			case p := <-panicked:
				panic(p)
			case <-done:
				buf.flushTo(w)
			case <-ctx.Done():
				writeStableError(w, http.StatusGatewayTimeout, "request.timeout",
					fmt.Sprintf("request timed out after %ds", seconds))
			}
		})
	}
}
