// Package localcache is the durable, device-private key-value store the
// engine persists snapshots and the client identity into. It is backed by a
// single SQLite table and bounded by a byte quota.
package localcache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus/snapsync/internal/snapshot"
	_ "modernc.org/sqlite"
)

// DefaultQuota bounds the total stored value bytes.
const DefaultQuota int64 = 5 << 20

var (
	// ErrQuotaExceeded is returned when a write would exceed the cache quota.
	ErrQuotaExceeded = fmt.Errorf("cache quota exceeded: %w", snapshot.ErrLocalPersistence)

	// ErrUnavailable is returned by every operation on a disabled cache.
	ErrUnavailable = fmt.Errorf("cache unavailable: %w", snapshot.ErrLocalPersistence)
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Cache is a quota-bounded key-value store.
type Cache struct {
	conn     *sql.DB
	quota    int64
	locker   *writeLocker
	lockWait time.Duration
	disabled atomic.Bool
	mu       sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithQuota sets the byte quota. Values <= 0 keep the default.
func WithQuota(n int64) Option {
	return func(c *Cache) {
		if n > 0 {
			c.quota = n
		}
	}
}

// WithLockFile guards writes with an exclusive OS lock on path, so several
// processes sharing one cache never interleave a write.
func WithLockFile(path string) Option {
	return func(c *Cache) {
		c.locker = newWriteLocker(path)
	}
}

// WithLockTimeout bounds how long a write waits for the OS lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.lockWait = d
		}
	}
}

// Open opens (creating if needed) the cache database at dbPath. Writes are
// guarded by a lock file next to the database.
func Open(dbPath string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	opts = append([]Option{WithLockFile(dbPath + ".lock")}, opts...)
	c, err := New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an already-open database. The caller keeps ownership of the
// driver choice; Close closes db.
func New(db *sql.DB, opts ...Option) (*Cache, error) {
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(cacheSchema); err != nil {
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	c := &Cache{conn: db, quota: DefaultQuota, lockWait: defaultLockTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return c.conn.Close()
}

// Disable makes every subsequent operation fail with ErrUnavailable, the way
// a browser behaves when storage is turned off.
func (c *Cache) Disable() { c.disabled.Store(true) }

// Enable reverses Disable.
func (c *Cache) Enable() { c.disabled.Store(false) }

// Quota returns the configured byte quota.
func (c *Cache) Quota() int64 { return c.quota }

// Read returns the value stored under key. ok is false when the key is absent.
func (c *Cache) Read(key string) (value []byte, ok bool, err error) {
	if c.disabled.Load() {
		return nil, false, ErrUnavailable
	}
	err = c.conn.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %v: %w", key, err, snapshot.ErrLocalPersistence)
	}
	return value, true, nil
}

// Write stores value under key, replacing any previous value.
func (c *Cache) Write(key string, value []byte) error {
	if c.disabled.Load() {
		return ErrUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.locker != nil {
		if err := c.locker.acquire(c.lockWait); err != nil {
			return fmt.Errorf("write %s: %w: %w", key, err, snapshot.ErrLocalPersistence)
		}
		defer c.locker.release()
	}

	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %v: %w", err, snapshot.ErrLocalPersistence)
	}
	defer tx.Rollback()

	var others int64
	if err := tx.QueryRow(`SELECT COALESCE(SUM(length(value)), 0) FROM kv WHERE key != ?`, key).Scan(&others); err != nil {
		return fmt.Errorf("measure cache: %v: %w", err, snapshot.ErrLocalPersistence)
	}
	if others+int64(len(value)) > c.quota {
		return fmt.Errorf("write %s (%d bytes, %d in use, quota %d): %w", key, len(value), others, c.quota, ErrQuotaExceeded)
	}

	if _, err := tx.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	); err != nil {
		return fmt.Errorf("write %s: %v: %w", key, err, snapshot.ErrLocalPersistence)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %v: %w", key, err, snapshot.ErrLocalPersistence)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(key string) error {
	if c.disabled.Load() {
		return ErrUnavailable
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %v: %w", key, err, snapshot.ErrLocalPersistence)
	}
	return nil
}

// Size returns the number of value bytes currently stored.
func (c *Cache) Size() (int64, error) {
	var n int64
	if err := c.conn.QueryRow(`SELECT COALESCE(SUM(length(value)), 0) FROM kv`).Scan(&n); err != nil {
		return 0, fmt.Errorf("measure cache: %w", err)
	}
	return n, nil
}
