package serverdb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/snapsync/internal/snapshot"
)

// DocumentInfo summarizes a stored document.
type DocumentInfo struct {
	ID          string
	Version     int64
	ClientID    string
	UpdatedAt   time.Time
	CommittedAt time.Time
	Size        int64
}

// WriteRecord is one committed write in a document's history.
type WriteRecord struct {
	Version     int64
	ClientID    string
	Size        int64
	CommittedAt time.Time
}

// GetDocument returns the committed document, or nil if none exists.
func (db *ServerDB) GetDocument(id string) (*snapshot.Document, error) {
	var body []byte
	err := db.conn.QueryRow(`SELECT body FROM documents WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc, err := snapshot.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	return &doc, nil
}

// PutDocument commits doc if nothing is stored under id yet or its version
// advances the stored one. Otherwise it fails with snapshot.ErrStaleWrite
// and reports the stored version. The body returned is the exact bytes
// stored, for broadcasting.
func (db *ServerDB) PutDocument(id string, doc snapshot.Document) ([]byte, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	body, err := snapshot.Marshal(doc)
	if err != nil {
		return nil, err
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var stored int64
	err = tx.QueryRow(`SELECT version FROM documents WHERE id = ?`, id).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read version: %w", err)
	case doc.Meta.Version <= stored:
		return nil, fmt.Errorf("document %s is at version %d, got %d: %w", id, stored, doc.Meta.Version, snapshot.ErrStaleWrite)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`INSERT INTO documents (id, version, client_id, updated_at, body, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			client_id = excluded.client_id,
			updated_at = excluded.updated_at,
			body = excluded.body,
			committed_at = excluded.committed_at`,
		id, doc.Meta.Version, doc.Meta.ClientID, doc.Meta.UpdatedAt.UTC().Format(time.RFC3339Nano), body, now)
	if err != nil {
		return nil, fmt.Errorf("upsert document: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO document_writes (doc_id, version, client_id, size, committed_at) VALUES (?, ?, ?, ?, ?)`,
		id, doc.Meta.Version, doc.Meta.ClientID, len(body), now)
	if err != nil {
		return nil, fmt.Errorf("record write: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return body, nil
}

// ListDocuments returns every stored document, ordered by id.
func (db *ServerDB) ListDocuments() ([]DocumentInfo, error) {
	rows, err := db.conn.Query(`SELECT id, version, client_id, updated_at, committed_at, length(body)
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentInfo
	for rows.Next() {
		var d DocumentInfo
		var updated string
		if err := rows.Scan(&d.ID, &d.Version, &d.ClientID, &updated, &d.CommittedAt, &d.Size); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListWrites returns the most recent writes to id, newest first.
func (db *ServerDB) ListWrites(id string, limit int) ([]WriteRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`SELECT version, client_id, size, committed_at FROM document_writes
		WHERE doc_id = ? ORDER BY id DESC LIMIT ?`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list writes: %w", err)
	}
	defer rows.Close()

	var out []WriteRecord
	for rows.Next() {
		var w WriteRecord
		if err := rows.Scan(&w.Version, &w.ClientID, &w.Size, &w.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
