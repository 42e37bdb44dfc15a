// ABOUTME: Tests for the admin JSON API.
// ABOUTME: Verifies log and claim listing, filters, paging validation and aggregate stats.

package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/plughost/internal/store"
)

func setupAdmin(t *testing.T) (*store.Store, http.Handler) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	r := chi.NewRouter()
	NewHandlers(s).RegisterRoutes(r)
	return s, r
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	if out != nil && w.Code == http.StatusOK {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return w.Code
}

func seedLogs(t *testing.T, s *store.Store) {
	t.Helper()
	now := time.Now().UTC()
	testLogs := []struct {
		route  string
		path   string
		status int
		when   time.Time
	}{
		{"images", "/api/images/a", 200, now.Add(-1 * time.Minute)},
		{"images", "/api/images/b", 401, now.Add(-2 * time.Minute)},
		{"images", "/api/images/c", 503, now.Add(-3 * time.Minute)},
		{"admin", "/admin/logs", 200, now.Add(-4 * time.Minute)},
	}
	for _, l := range testLogs {
		err := s.LogRequest(&store.RequestLog{
			Route:      l.route,
			Method:     "GET",
			Path:       l.path,
			StatusCode: l.status,
			DurationMs: 10,
			Timestamp:  l.when,
		})
		if err != nil {
			t.Fatalf("Failed to insert test log: %v", err)
		}
	}
}

func TestLogsListFilters(t *testing.T) {
	s, h := setupAdmin(t)
	seedLogs(t, s)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"all", "/admin/logs", 4},
		{"route", "/admin/logs?route=images", 3},
		{"status", "/admin/logs?status=401", 1},
		{"path prefix", "/admin/logs?path=/admin/", 1},
		{"combined", "/admin/logs?route=images&status=200", 1},
		{"limit", "/admin/logs?limit=2", 2},
		{"none", "/admin/logs?route=remotes", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp struct {
				Logs []store.RequestLog `json:"logs"`
			}
			if code := get(t, h, tt.path, &resp); code != http.StatusOK {
				t.Fatalf("status = %d, want 200", code)
			}
			if len(resp.Logs) != tt.want {
				t.Errorf("got %d logs, want %d", len(resp.Logs), tt.want)
			}
		})
	}
}

func TestLogsListRejectsBadParams(t *testing.T) {
	_, h := setupAdmin(t)

	for _, path := range []string{"/admin/logs?limit=abc", "/admin/logs?limit=0", "/admin/logs?offset=-1", "/admin/logs?status=x", "/admin/claims?limit=-5"} {
		if code := get(t, h, path, nil); code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want 400", path, code)
		}
	}
}

func TestClaimsAndStats(t *testing.T) {
	s, h := setupAdmin(t)
	seedLogs(t, s)
	for _, outcome := range []string{"claimed", "replayed", "replayed", "rejected"} {
		if err := s.RecordClaim(&store.SessionClaim{TicketFingerprint: store.Fingerprint("T1"), PluginID: "retinalyze", Outcome: outcome}); err != nil {
			t.Fatalf("RecordClaim() error = %v", err)
		}
	}

	var claims struct {
		Claims []store.SessionClaim `json:"claims"`
	}
	if code := get(t, h, "/admin/claims?outcome=replayed", &claims); code != http.StatusOK {
		t.Fatalf("claims status = %d", code)
	}
	if len(claims.Claims) != 2 {
		t.Errorf("replayed claims = %d, want 2", len(claims.Claims))
	}

	var stats struct {
		Requests     store.RequestLogStats `json:"requests"`
		Claims       map[string]int        `json:"claims"`
		TopEndpoints []store.EndpointCount `json:"topEndpoints"`
	}
	if code := get(t, h, "/admin/stats", &stats); code != http.StatusOK {
		t.Fatalf("stats status = %d", code)
	}
	if stats.Requests.TotalRequests != 4 || stats.Requests.ErrorRequests != 2 {
		t.Errorf("request stats = %+v", stats.Requests)
	}
	if stats.Claims["replayed"] != 2 || stats.Claims["claimed"] != 1 {
		t.Errorf("claim stats = %v", stats.Claims)
	}
	if len(stats.TopEndpoints) != 4 {
		t.Errorf("top endpoints = %d, want 4", len(stats.TopEndpoints))
	}
}

func TestRoutesDashboard(t *testing.T) {
	s, h := setupAdmin(t)
	seedLogs(t, s)

	var resp struct {
		Routes []RouteDashboardData `json:"routes"`
	}
	if code := get(t, h, "/admin/routes", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if len(resp.Routes) != 3 {
		t.Fatalf("routes = %d, want 3", len(resp.Routes))
	}

	images := resp.Routes[0]
	if images.Route != "images" || images.RequestCount != 3 {
		t.Errorf("images = %+v", images)
	}
	if images.ErrorRate < 66.0 || images.ErrorRate > 67.0 {
		t.Errorf("images error rate = %.2f, want ~66.67", images.ErrorRate)
	}
	if len(images.RecentRequests) != 3 || images.RecentRequests[0].Path != "/api/images/a" {
		t.Errorf("recent requests = %+v", images.RecentRequests)
	}
}
