package serverdb

import (
	"database/sql"
	"fmt"
	"time"
)

// RateLimitEvent represents a rate limit violation event.
type RateLimitEvent struct {
	ID            int64
	KeyID         string // empty string if IP-based (nullable in DB)
	IP            string
	EndpointClass string // read or write
	CreatedAt     time.Time
}

// InsertRateLimitEvent inserts a rate limit violation event.
// keyID may be empty for IP-based rate limiting (stored as NULL).
func (db *ServerDB) InsertRateLimitEvent(keyID, ip, endpointClass string) error {
	var keyIDParam any
	if keyID != "" {
		keyIDParam = keyID
	}
	_, err := db.conn.Exec(
		`INSERT INTO rate_limit_events (key_id, ip, endpoint_class, created_at) VALUES (?, ?, ?, ?)`,
		keyIDParam, ip, endpointClass, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit event: %w", err)
	}
	return nil
}

// RecentRateLimitEvents returns up to limit events, newest first.
func (db *ServerDB) RecentRateLimitEvents(limit int) ([]RateLimitEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(
		`SELECT id, key_id, ip, endpoint_class, created_at FROM rate_limit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rate limit events: %w", err)
	}
	defer rows.Close()

	var out []RateLimitEvent
	for rows.Next() {
		var e RateLimitEvent
		var keyIDNull sql.NullString
		if err := rows.Scan(&e.ID, &keyIDNull, &e.IP, &e.EndpointClass, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		e.KeyID = keyIDNull.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// CleanupRateLimitEvents deletes events older than the given duration.
// Returns the number of rows deleted.
func (db *ServerDB) CleanupRateLimitEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := db.conn.Exec(
		`DELETE FROM rate_limit_events WHERE created_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limit events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
