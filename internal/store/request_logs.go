// ABOUTME: Request log storage operations.
// ABOUTME: Handles inserting and querying HTTP request logs per route and ticket fingerprint.

package store

import "time"

// RequestLog represents an HTTP request log entry
type RequestLog struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	Route             string    `json:"route"`
	Method            string    `json:"method"`
	Path              string    `json:"path"`
	StatusCode        int       `json:"status_code"`
	DurationMs        int       `json:"duration_ms"`
	TicketFingerprint string    `json:"ticket_fingerprint,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	Error             string    `json:"error,omitempty"`
	RequestBody       string    `json:"request_body,omitempty"`
	ResponseBody      string    `json:"response_body,omitempty"`
}

const requestLogColumns = `id, timestamp, COALESCE(route, ''), method, path, COALESCE(status_code, 0), COALESCE(duration_ms, 0),
	COALESCE(ticket_fingerprint, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(error, ''),
	COALESCE(request_body, ''), COALESCE(response_body, '')`

// LogRequest inserts a request log entry. A zero Timestamp is stamped with the current time.
func (s *Store) LogRequest(log *RequestLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO request_logs (timestamp, route, method, path, status_code, duration_ms, ticket_fingerprint, ip_address, user_agent, error, request_body, response_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, log.Timestamp.UTC(), log.Route, log.Method, log.Path, log.StatusCode, log.DurationMs, log.TicketFingerprint, log.IPAddress, log.UserAgent, log.Error, log.RequestBody, log.ResponseBody)
	if err != nil {
		return err
	}
	log.ID, _ = res.LastInsertId()
	return nil
}

// RequestLogQuery represents filters for request logs
type RequestLogQuery struct {
	Limit             int
	Offset            int
	Route             string
	Method            string
	PathPrefix        string
	StatusCode        int
	TicketFingerprint string
}

// RequestLogStats represents aggregate statistics
type RequestLogStats struct {
	TotalRequests   int `json:"total_requests"`
	TodayRequests   int `json:"today_requests"`
	ErrorRequests   int `json:"error_requests"`
	AvgDurationMs   int `json:"avg_duration_ms"`
	UniqueEndpoints int `json:"unique_endpoints"`
	UniqueTickets   int `json:"unique_tickets"`
}

// GetRequestLogs retrieves request logs with filtering
func (s *Store) GetRequestLogs(q *RequestLogQuery) ([]*RequestLog, error) {
	query := `SELECT ` + requestLogColumns + ` FROM request_logs WHERE 1=1`
	args := []any{}

	if q.Route != "" {
		query += " AND route = ?"
		args = append(args, q.Route)
	}
	if q.Method != "" {
		query += " AND method = ?"
		args = append(args, q.Method)
	}
	if q.PathPrefix != "" {
		query += ` AND path LIKE ? ESCAPE '\'`
		args = append(args, escapeSQLLike(q.PathPrefix)+"%")
	}
	if q.StatusCode > 0 {
		query += " AND status_code = ?"
		args = append(args, q.StatusCode)
	}
	if q.TicketFingerprint != "" {
		query += " AND ticket_fingerprint = ?"
		args = append(args, q.TicketFingerprint)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	return s.queryRequestLogs(query, args...)
}

func (s *Store) queryRequestLogs(query string, args ...any) ([]*RequestLog, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		log := &RequestLog{}
		if err := rows.Scan(&log.ID, &log.Timestamp, &log.Route, &log.Method, &log.Path, &log.StatusCode,
			&log.DurationMs, &log.TicketFingerprint, &log.IPAddress, &log.UserAgent, &log.Error,
			&log.RequestBody, &log.ResponseBody); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// GetRequestLogStats returns aggregate statistics
func (s *Store) GetRequestLogStats() (*RequestLogStats, error) {
	stats := &RequestLogStats{}

	queries := []struct {
		sql  string
		args []any
		dest *int
	}{
		{"SELECT COUNT(*) FROM request_logs", nil, &stats.TotalRequests},
		{"SELECT COUNT(*) FROM request_logs WHERE date(timestamp) = ?", []any{time.Now().UTC().Format("2006-01-02")}, &stats.TodayRequests},
		{"SELECT COUNT(*) FROM request_logs WHERE status_code >= 400", nil, &stats.ErrorRequests},
		{"SELECT CAST(COALESCE(AVG(duration_ms), 0) AS INTEGER) FROM request_logs", nil, &stats.AvgDurationMs},
		{"SELECT COUNT(DISTINCT path) FROM request_logs", nil, &stats.UniqueEndpoints},
		{"SELECT COUNT(DISTINCT ticket_fingerprint) FROM request_logs WHERE ticket_fingerprint != ''", nil, &stats.UniqueTickets},
	}
	for _, q := range queries {
		if err := s.db.QueryRow(q.sql, q.args...).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

// EndpointCount is one row of GetTopEndpoints.
type EndpointCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
	AvgMs int    `json:"avg_ms"`
}

// GetTopEndpoints returns the most frequently requested endpoints
func (s *Store) GetTopEndpoints(limit int) ([]EndpointCount, error) {
	rows, err := s.db.Query(`
		SELECT path, COUNT(*) as count, COALESCE(AVG(duration_ms), 0) as avg_ms
		FROM request_logs
		GROUP BY path
		ORDER BY count DESC, path ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []EndpointCount
	for rows.Next() {
		var e EndpointCount
		var avgMs float64
		if err := rows.Scan(&e.Path, &e.Count, &avgMs); err != nil {
			return nil, err
		}
		e.AvgMs = int(avgMs) // Round to int for display
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// GetRouteRequestCount returns the number of requests for a route since a given time
func (s *Store) GetRouteRequestCount(route string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*)
		FROM request_logs
		WHERE route = ? AND timestamp >= ?
	`, route, since.UTC()).Scan(&count)
	return count, err
}

// GetRouteErrorRate returns the error rate percentage for a route since a given time
func (s *Store) GetRouteErrorRate(route string, since time.Time) (float64, error) {
	var totalCount, errorCount int

	err := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END), 0)
		FROM request_logs
		WHERE route = ? AND timestamp >= ?
	`, route, since.UTC()).Scan(&totalCount, &errorCount)
	if err != nil {
		return 0, err
	}

	// No requests means 0% error rate
	if totalCount == 0 {
		return 0, nil
	}

	return (float64(errorCount) / float64(totalCount)) * 100.0, nil
}

// GetRecentRequests returns the most recent requests for a route
func (s *Store) GetRecentRequests(route string, limit int) ([]*RequestLog, error) {
	return s.queryRequestLogs(`SELECT `+requestLogColumns+`
		FROM request_logs
		WHERE route = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, route, limit)
}

// PruneRequestLogs deletes log entries older than before and returns how many were removed.
func (s *Store) PruneRequestLogs(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM request_logs WHERE timestamp < ?`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
