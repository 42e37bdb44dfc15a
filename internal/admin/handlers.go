// ABOUTME: HTTP handlers for the read-only admin API.
// ABOUTME: Serves request logs, the session claim ledger and aggregate stats as JSON.

package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/2389/plughost/internal/errors"
	"github.com/2389/plughost/internal/logging"
	"github.com/2389/plughost/internal/store"
)

const maxLimit = 500

type Handlers struct {
	store *store.Store
}

func NewHandlers(s *store.Store) *Handlers {
	return &Handlers{store: s}
}

func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/logs", h.logsList)
		r.Get("/claims", h.claimsList)
		r.Get("/stats", h.stats)
		r.Get("/routes", h.routes)
	})
}

func (h *Handlers) logsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, err := paging(r)
	if err != nil {
		apierrors.Write(w, err)
		return
	}
	statusCode := 0
	if sc := q.Get("status"); sc != "" {
		if statusCode, err = strconv.Atoi(sc); err != nil {
			apierrors.Write(w, apierrors.New(apierrors.KindBadRequest, "status must be an integer"))
			return
		}
	}

	logs, err := h.store.GetRequestLogs(&store.RequestLogQuery{
		Limit:             limit,
		Offset:            offset,
		Route:             q.Get("route"),
		Method:            q.Get("method"),
		PathPrefix:        q.Get("path"),
		StatusCode:        statusCode,
		TicketFingerprint: q.Get("ticket"),
	})
	if err != nil {
		apierrors.Write(w, err)
		return
	}
	if logs == nil {
		logs = []*store.RequestLog{}
	}

	apierrors.WriteJSON(w, http.StatusOK, map[string]any{
		"logs":   logs,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handlers) claimsList(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := paging(r)
	if err != nil {
		apierrors.Write(w, err)
		return
	}

	claims, err := h.store.GetSessionClaims(&store.SessionClaimQuery{
		Limit:             limit,
		Offset:            offset,
		Outcome:           r.URL.Query().Get("outcome"),
		TicketFingerprint: r.URL.Query().Get("ticket"),
	})
	if err != nil {
		apierrors.Write(w, err)
		return
	}
	if claims == nil {
		claims = []*store.SessionClaim{}
	}

	apierrors.WriteJSON(w, http.StatusOK, map[string]any{
		"claims": claims,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	requests, err := h.store.GetRequestLogStats()
	if err != nil {
		apierrors.Write(w, err)
		return
	}

	claims, err := h.store.GetClaimStats()
	if err != nil {
		apierrors.Write(w, err)
		return
	}

	topEndpoints, err := h.store.GetTopEndpoints(10)
	if err != nil {
		apierrors.Write(w, err)
		return
	}
	if topEndpoints == nil {
		topEndpoints = []store.EndpointCount{}
	}

	apierrors.WriteJSON(w, http.StatusOK, map[string]any{
		"requests":     requests,
		"claims":       claims,
		"topEndpoints": topEndpoints,
	})
}

// RouteDashboardData is the last-24h summary of one API surface.
type RouteDashboardData struct {
	Route          string              `json:"route"`
	RequestCount   int                 `json:"requestCount"`
	ErrorRate      float64             `json:"errorRate"`
	RecentRequests []*store.RequestLog `json:"recentRequests"`
}

func (h *Handlers) routes(w http.ResponseWriter, r *http.Request) {
	data, err := getRouteDashboardData(h.store, time.Now().Add(-24*time.Hour))
	if err != nil {
		apierrors.Write(w, err)
		return
	}
	apierrors.WriteJSON(w, http.StatusOK, map[string]any{"routes": data})
}

// getRouteDashboardData fetches per-route data since the given time
func getRouteDashboardData(s *store.Store, since time.Time) ([]RouteDashboardData, error) {
	var data []RouteDashboardData
	for _, route := range []string{logging.RouteImages, logging.RouteAdmin, logging.RouteRemotes} {
		count, err := s.GetRouteRequestCount(route, since)
		if err != nil {
			return nil, err
		}
		rate, err := s.GetRouteErrorRate(route, since)
		if err != nil {
			return nil, err
		}
		recent, err := s.GetRecentRequests(route, 5)
		if err != nil {
			return nil, err
		}
		if recent == nil {
			recent = []*store.RequestLog{}
		}
		data = append(data, RouteDashboardData{
			Route:          route,
			RequestCount:   count,
			ErrorRate:      rate,
			RecentRequests: recent,
		})
	}
	return data, nil
}

func paging(r *http.Request) (limit, offset int, err error) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, apierrors.New(apierrors.KindBadRequest, "limit must be a positive integer")
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, apierrors.New(apierrors.KindBadRequest, "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
