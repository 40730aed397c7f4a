package serverdb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/marcus/snapsync/internal/snapshot"
)

func newTestDB(t *testing.T) *ServerDB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testDoc(version int64, client, value string) snapshot.Document {
	return snapshot.Document{
		Snapshot: snapshot.Snapshot{"value": json.RawMessage(value)},
		Meta:     snapshot.Meta{Version: version, UpdatedAt: time.Now().UTC(), ClientID: client},
	}
}

func TestSchemaVersion(t *testing.T) {
	db := newTestDB(t)
	if v := db.getSchemaVersion(); v != ServerSchemaVersion {
		t.Fatalf("schema version: got %d, want %d", v, ServerSchemaVersion)
	}
	n, err := db.RunMigrations()
	if err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}
	if n != 0 {
		t.Fatalf("migrations rerun: got %d, want 0", n)
	}
}

func TestFreshSchemaHasAllTables(t *testing.T) {
	db := newTestDB(t)
	for _, table := range []string{"documents", "document_writes", "rate_limit_events", "schema_info"} {
		var name string
		err := db.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s: %v", table, err)
		}
	}
}

func TestGetDocumentMissing(t *testing.T) {
	db := newTestDB(t)
	doc, err := db.GetDocument("state")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil {
		t.Fatalf("expected nil for missing document, got %+v", doc)
	}
}

func TestPutDocumentCommitRule(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.PutDocument("state", testDoc(0, "a", `1`)); err != nil {
		t.Fatalf("seed at version 0: %v", err)
	}
	if _, err := db.PutDocument("state", testDoc(1, "b", `2`)); err != nil {
		t.Fatalf("advance: %v", err)
	}

	_, err := db.PutDocument("state", testDoc(1, "c", `3`))
	if !errors.Is(err, snapshot.ErrStaleWrite) {
		t.Fatalf("equal version: got %v, want ErrStaleWrite", err)
	}
	_, err = db.PutDocument("state", testDoc(0, "c", `3`))
	if !errors.Is(err, snapshot.ErrStaleWrite) {
		t.Fatalf("older version: got %v, want ErrStaleWrite", err)
	}

	doc, err := db.GetDocument("state")
	if err != nil || doc == nil {
		t.Fatalf("get: %v", err)
	}
	if doc.Meta.Version != 1 || doc.Meta.ClientID != "b" {
		t.Fatalf("stored meta: got %+v", doc.Meta)
	}
	if string(doc.Snapshot["value"]) != "2" {
		t.Fatalf("stored value: got %s", doc.Snapshot["value"])
	}
}

func TestPutDocumentRejectsMalformed(t *testing.T) {
	db := newTestDB(t)
	bad := snapshot.Document{Meta: snapshot.Meta{Version: 1}}
	if _, err := db.PutDocument("state", bad); !errors.Is(err, snapshot.ErrMalformedDocument) {
		t.Fatalf("got %v, want ErrMalformedDocument", err)
	}
}

func TestListDocumentsAndWrites(t *testing.T) {
	db := newTestDB(t)
	db.PutDocument("b", testDoc(1, "x", `1`))
	db.PutDocument("a", testDoc(1, "x", `1`))
	db.PutDocument("a", testDoc(2, "y", `"longer"`))

	docs, err := db.ListDocuments()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "a" || docs[1].ID != "b" {
		t.Fatalf("documents: got %+v", docs)
	}
	if docs[0].Version != 2 || docs[0].ClientID != "y" || docs[0].Size == 0 {
		t.Fatalf("document a: got %+v", docs[0])
	}
	if docs[0].UpdatedAt.IsZero() {
		t.Fatal("updated_at not parsed")
	}

	writes, err := db.ListWrites("a", 10)
	if err != nil {
		t.Fatalf("writes: %v", err)
	}
	if len(writes) != 2 || writes[0].Version != 2 || writes[1].Version != 1 {
		t.Fatalf("writes: got %+v", writes)
	}
}

func TestOpenOnDiskReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "server.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.PutDocument("state", testDoc(3, "a", `true`))
	db.Close()

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	if err := db2.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	doc, err := db2.GetDocument("state")
	if err != nil || doc == nil || doc.Meta.Version != 3 {
		t.Fatalf("after reopen: %+v err=%v", doc, err)
	}
}

func TestNewOnExternalConnection(t *testing.T) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	db, err := New(conn)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer db.Close()

	if _, err := db.PutDocument("state", testDoc(1, "a", `"x"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := db.PutDocument("state", testDoc(1, "b", `"y"`)); !errors.Is(err, snapshot.ErrStaleWrite) {
		t.Fatalf("equal version: got %v, want ErrStaleWrite", err)
	}
	docs, err := db.ListDocuments()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != 1 || docs[0].Version != 1 || docs[0].ClientID != "a" {
		t.Fatalf("documents: got %+v", docs)
	}
}
