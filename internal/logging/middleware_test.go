// ABOUTME: Tests for HTTP request logging middleware.
// ABOUTME: Verifies body buffering limits, response capture, route tagging and ticket fingerprinting.

package logging

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/2389/plughost/internal/store"
)

type fakeRecorder struct {
	mu      sync.Mutex
	entries []*store.RequestLog
	err     error
}

func (f *fakeRecorder) LogRequest(log *store.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, log)
	return f.err
}

func TestResponseWriter_BuffersResponseBody(t *testing.T) {
	tests := []struct {
		name           string
		responseBody   string
		expectedCapped bool
	}{
		{
			name:           "small response",
			responseBody:   "Hello, World!",
			expectedCapped: false,
		},
		{
			name:           "response at limit",
			responseBody:   strings.Repeat("x", maxBodySize),
			expectedCapped: false,
		},
		{
			name:           "response exceeds limit",
			responseBody:   strings.Repeat("x", maxBodySize+1000),
			expectedCapped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			wrapped := &responseWriter{
				ResponseWriter: rr,
				statusCode:     200,
				body:           &bytes.Buffer{},
			}

			// Write response body
			n, err := wrapped.Write([]byte(tt.responseBody))
			if err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			// Verify all bytes were written to the underlying writer
			if n != len(tt.responseBody) {
				t.Errorf("Write() returned %d, want %d", n, len(tt.responseBody))
			}

			// Verify buffered body respects size limit
			buffered := wrapped.body.String()
			if len(buffered) > maxBodySize {
				t.Errorf("Buffered body size %d exceeds maxBodySize %d", len(buffered), maxBodySize)
			}

			if tt.expectedCapped && len(buffered) != maxBodySize {
				t.Errorf("Expected buffered body to be capped at %d, got %d", maxBodySize, len(buffered))
			}
		})
	}
}

func TestResponseWriter_CapturesStatusCode(t *testing.T) {
	tests := []struct {
		name     string
		explicit bool
		code     int
	}{
		{"explicit status", true, http.StatusCreated},
		{"implicit status", false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			wrapped := &responseWriter{
				ResponseWriter: rr,
				statusCode:     200,
				body:           &bytes.Buffer{},
			}

			if tt.explicit {
				wrapped.WriteHeader(tt.code)
			}

			// Write triggers implicit status if not set
			wrapped.Write([]byte("body"))

			if wrapped.statusCode != tt.code {
				t.Errorf("statusCode = %d, want %d", wrapped.statusCode, tt.code)
			}
		})
	}
}

func TestResponseWriter_PartialBufferOnLargeResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	wrapped := &responseWriter{
		ResponseWriter: rr,
		statusCode:     200,
		body:           &bytes.Buffer{},
	}

	// Write multiple chunks that exceed limit
	chunk1 := strings.Repeat("a", maxBodySize/2)
	chunk2 := strings.Repeat("b", maxBodySize)

	wrapped.Write([]byte(chunk1))
	wrapped.Write([]byte(chunk2))

	buffered := wrapped.body.String()
	if len(buffered) > maxBodySize {
		t.Errorf("Buffered body size %d exceeds maxBodySize %d", len(buffered), maxBodySize)
	}

	// Verify we got the first part of chunk1
	if !strings.HasPrefix(buffered, "a") {
		t.Errorf("Expected buffered body to start with 'a'")
	}
}

func TestResponseWriter_Hijack(t *testing.T) {
	rr := httptest.NewRecorder()
	wrapped := &responseWriter{
		ResponseWriter: rr,
		statusCode:     200,
		body:           &bytes.Buffer{},
	}

	// httptest.ResponseRecorder doesn't implement Hijacker, should return error
	_, _, err := wrapped.Hijack()
	if err != http.ErrNotSupported {
		t.Errorf("Hijack() error = %v, want %v", err, http.ErrNotSupported)
	}
}

func TestMiddleware_RequestBodySizeLimit(t *testing.T) {
	rec := &fakeRecorder{}

	handler := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("response"))
	}))

	largeBody := strings.NewReader(strings.Repeat("x", maxBodySize+1000))
	req := httptest.NewRequest("POST", "/api/test", largeBody)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(rec.entries) != 1 || len(rec.entries[0].RequestBody) != maxBodySize {
		t.Errorf("Expected one entry with a body capped at %d", maxBodySize)
	}
}

func TestMiddleware_SkipsHealthcheckLogging(t *testing.T) {
	rec := &fakeRecorder{}

	handler := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rr.Code, http.StatusOK)
	}
	if len(rec.entries) != 0 {
		t.Errorf("health check was logged: %+v", rec.entries)
	}
}

func TestMiddleware_RecordsEntry(t *testing.T) {
	rec := &fakeRecorder{}

	handler := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{}}`))
	}))

	req := httptest.NewRequest("GET", "/api/images/abc", nil)
	req.Header.Set("Authorization", "Bearer secret-ticket")
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(rec.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(rec.entries))
	}
	got := rec.entries[0]
	if got.Route != RouteImages {
		t.Errorf("Route = %q, want %q", got.Route, RouteImages)
	}
	if got.StatusCode != http.StatusUnauthorized || got.Error != "Unauthorized" {
		t.Errorf("StatusCode = %d, Error = %q", got.StatusCode, got.Error)
	}
	if got.TicketFingerprint != store.Fingerprint("secret-ticket") {
		t.Errorf("TicketFingerprint = %q, want fingerprint of the ticket", got.TicketFingerprint)
	}
	if strings.Contains(got.TicketFingerprint, "secret") {
		t.Error("raw ticket leaked into the log entry")
	}
	if got.IPAddress != "10.0.0.1" || got.UserAgent != "test-agent" {
		t.Errorf("IPAddress = %q, UserAgent = %q", got.IPAddress, got.UserAgent)
	}
	if got.ResponseBody != `{"error":{}}` {
		t.Errorf("ResponseBody = %q", got.ResponseBody)
	}
}

func TestMiddleware_StoreFailureDoesNotAffectResponse(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}

	handler := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/admin/logs", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("response = %d %q", rr.Code, rr.Body.String())
	}
}

func TestMiddleware_PersistsToStore(t *testing.T) {
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	handler := Middleware(s)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/images/x", nil))

	logs, err := s.GetRequestLogs(&store.RequestLogQuery{Route: RouteImages})
	if err != nil {
		t.Fatalf("GetRequestLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].StatusCode != http.StatusServiceUnavailable {
		t.Errorf("logs = %+v", logs)
	}
}

func TestResponseWriter_RestoresRequestBody(t *testing.T) {
	rec := &fakeRecorder{}

	originalBody := "test request body"
	var handlerReadBody string

	handler := Middleware(rec)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		handlerReadBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/api/test", strings.NewReader(originalBody))
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if handlerReadBody != originalBody {
		t.Errorf("Handler read body = %q, want %q", handlerReadBody, originalBody)
	}
}

func TestRouteFromPath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/images/abc", RouteImages},
		{"/api/images", RouteImages},
		{"/admin/claims", RouteAdmin},
		{"/remotes/sampleWidget/remoteEntry.json", RouteRemotes},
		{"/favicon.ico", RouteUnknown},
	}
	for _, tt := range tests {
		if got := RouteFromPath(tt.path); got != tt.want {
			t.Errorf("RouteFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
