package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime    time.Time
	requests     atomic.Int64
	serverErrors atomic.Int64
	clientErrors atomic.Int64
	reads        atomic.Int64
	writes       atomic.Int64
	conflicts    atomic.Int64
	broadcasts   atomic.Int64
	subscribers  atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	Reads         int64   `json:"document_reads"`
	Writes        int64   `json:"document_writes"`
	Conflicts     int64   `json:"write_conflicts"`
	Broadcasts    int64   `json:"broadcasts"`
	Subscribers   int64   `json:"subscribers"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

func (m *Metrics) RecordRead()     { m.reads.Add(1) }
func (m *Metrics) RecordWrite()    { m.writes.Add(1) }
func (m *Metrics) RecordConflict() { m.conflicts.Add(1) }

// RecordBroadcast adds n delivered frames.
func (m *Metrics) RecordBroadcast(n int) {
	m.broadcasts.Add(int64(n))
}

// SubscriberDelta adjusts the open subscription gauge.
func (m *Metrics) SubscriberDelta(d int64) {
	m.subscribers.Add(d)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		Reads:         m.reads.Load(),
		Writes:        m.writes.Load(),
		Conflicts:     m.conflicts.Load(),
		Broadcasts:    m.broadcasts.Load(),
		Subscribers:   m.subscribers.Load(),
	}
}
