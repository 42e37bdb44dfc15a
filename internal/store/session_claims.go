// ABOUTME: Session claim ledger storage operations.
// ABOUTME: Records every ticket claim attempt with its outcome and aggregates them for the admin API.

package store

import "time"

// SessionClaim is one recorded claim attempt against the marketplace.
type SessionClaim struct {
	ID                int64     `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	TicketFingerprint string    `json:"ticket_fingerprint"`
	PluginID          string    `json:"plugin_id"`
	Outcome           string    `json:"outcome"`
	UpstreamStatus    int       `json:"upstream_status"`
	UpstreamCode      string    `json:"upstream_code,omitempty"`
	DurationMs        int       `json:"duration_ms"`
}

// SessionClaimQuery represents filters for the claim ledger
type SessionClaimQuery struct {
	Limit             int
	Offset            int
	Outcome           string
	TicketFingerprint string
}

// RecordClaim inserts a claim attempt. A zero Timestamp is stamped with the current time.
func (s *Store) RecordClaim(c *SessionClaim) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO session_claims (timestamp, ticket_fingerprint, plugin_id, outcome, upstream_status, upstream_code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.Timestamp.UTC(), c.TicketFingerprint, c.PluginID, c.Outcome, c.UpstreamStatus, c.UpstreamCode, c.DurationMs)
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// GetSessionClaims lists claim attempts, most recent first.
func (s *Store) GetSessionClaims(q *SessionClaimQuery) ([]*SessionClaim, error) {
	query := `SELECT id, timestamp, ticket_fingerprint, plugin_id, outcome, COALESCE(upstream_status, 0),
	          COALESCE(upstream_code, ''), COALESCE(duration_ms, 0)
	          FROM session_claims WHERE 1=1`
	args := []any{}

	if q.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, q.Outcome)
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

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []*SessionClaim
	for rows.Next() {
		c := &SessionClaim{}
		if err := rows.Scan(&c.ID, &c.Timestamp, &c.TicketFingerprint, &c.PluginID, &c.Outcome,
			&c.UpstreamStatus, &c.UpstreamCode, &c.DurationMs); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	return claims, rows.Err()
}

// GetClaimStats returns the number of claim attempts per outcome.
func (s *Store) GetClaimStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM session_claims GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		stats[outcome] = count
	}
	return stats, rows.Err()
}

// CountClaimsForTicket returns how many claim attempts were made with the ticket behind fingerprint.
func (s *Store) CountClaimsForTicket(fingerprint string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM session_claims WHERE ticket_fingerprint = ?`, fingerprint).Scan(&count)
	return count, err
}
