// Package snapshot defines the whole-state value synchronized by the engine,
// the version metadata attached to it, and the helpers for parsing, merging
// and backfilling documents.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Snapshot is the complete application state. The engine is indifferent to
// what the fields contain; it only ever replaces the whole value.
type Snapshot map[string]json.RawMessage

// Meta is the version clock attached to every persisted snapshot.
type Meta struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	ClientID  string    `json:"client_id"`
}

// Document pairs a snapshot with its meta. It is the unit stored in the
// local cache and in the remote store.
type Document struct {
	Snapshot Snapshot `json:"snapshot"`
	Meta     Meta     `json:"meta"`
}

// Clone returns a deep copy so callers can keep mutating their own value.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// Equal reports whether both snapshots carry byte-identical fields.
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}

// Keys returns the top-level field names in sorted order.
func (s Snapshot) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of s with field set to the JSON encoding of value.
func (s Snapshot) With(field string, value any) (Snapshot, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal field %q: %w", field, err)
	}
	out := s.Clone()
	if out == nil {
		out = Snapshot{}
	}
	out[field] = raw
	return out, nil
}

// WithRaw returns a copy of s with field set to raw, which must be valid JSON.
func (s Snapshot) WithRaw(field string, raw json.RawMessage) (Snapshot, error) {
	if !json.Valid(raw) {
		return nil, fmt.Errorf("field %q: %w: invalid json", field, ErrMalformedDocument)
	}
	out := s.Clone()
	if out == nil {
		out = Snapshot{}
	}
	out[field] = append(json.RawMessage(nil), raw...)
	return out, nil
}

// Without returns a copy of s with field removed.
func (s Snapshot) Without(field string) Snapshot {
	out := s.Clone()
	delete(out, field)
	return out
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	return Document{Snapshot: d.Snapshot.Clone(), Meta: d.Meta}
}
