// ABOUTME: HTTP request logging middleware.
// ABOUTME: Captures method, path, status, duration, ticket fingerprint and bodies, and stores them in the database.

package logging

import (
	"bufio"
	"bytes"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/2389/plughost/internal/auth"
	"github.com/2389/plughost/internal/store"
)

const maxBodySize = 10 * 1024 // 10KB limit for body capture

// Recorder persists request log entries. *store.Store implements it.
type Recorder interface {
	LogRequest(log *store.RequestLog) error
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
	body       *bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.statusCode = http.StatusOK
		rw.written = true
	}
	// Capture response body (up to maxBodySize)
	if rw.body.Len() < maxBodySize {
		toCopy := len(b)
		if rw.body.Len()+toCopy > maxBodySize {
			toCopy = maxBodySize - rw.body.Len()
		}
		rw.body.Write(b[:toCopy])
	}
	return rw.ResponseWriter.Write(b)
}

// Hijack implements http.Hijacker for handlers that take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// Middleware logs all HTTP requests except health checks to rec.
// Raw tickets never reach the log; only their fingerprint does.
func Middleware(rec Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			// Capture request body (if present)
			var requestBody string
			if r.Body != nil {
				bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
				if err == nil {
					requestBody = string(bodyBytes)
					// Restore the body for the handler to read
					r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
				}
			}

			start := time.Now()
			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     200,
				body:           &bytes.Buffer{},
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Milliseconds()

			ticket, _ := auth.ExtractTicket(r.Header.Get("Authorization"))

			entry := &store.RequestLog{
				Route:             RouteFromPath(r.URL.Path),
				Method:            r.Method,
				Path:              r.URL.Path,
				StatusCode:        wrapped.statusCode,
				DurationMs:        int(duration),
				TicketFingerprint: store.Fingerprint(ticket),
				IPAddress:         clientIP(r),
				UserAgent:         r.Header.Get("User-Agent"),
				RequestBody:       requestBody,
				ResponseBody:      wrapped.body.String(),
			}
			if wrapped.statusCode >= 400 {
				entry.Error = http.StatusText(wrapped.statusCode)
			}
			if err := rec.LogRequest(entry); err != nil {
				log.Printf("request log: %s %s: %v", r.Method, r.URL.Path, err)
			}
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
