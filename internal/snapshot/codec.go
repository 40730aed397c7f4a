package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Parse decodes and validates a serialized document.
func Parse(data []byte) (Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Marshal serializes a document.
func Marshal(doc Document) ([]byte, error) {
	if doc.Snapshot == nil {
		doc.Snapshot = Snapshot{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return data, nil
}

// Validate checks the structural invariants of a document.
func (d Document) Validate() error {
	if d.Snapshot == nil {
		return fmt.Errorf("%w: missing snapshot", ErrMalformedDocument)
	}
	if d.Meta.Version < 0 {
		return fmt.Errorf("%w: negative version %d", ErrMalformedDocument, d.Meta.Version)
	}
	for k, v := range d.Snapshot {
		if k == "" {
			return fmt.Errorf("%w: empty field name", ErrMalformedDocument)
		}
		if !json.Valid(v) {
			return fmt.Errorf("%w: field %q is not valid json", ErrMalformedDocument, k)
		}
	}
	return nil
}

// Backfill starts from defaults and overlays every field of loaded, so the
// result carries loaded's values plus any default field loaded lacks.
// Fields present in loaded but not in defaults are preserved.
func Backfill(defaults, loaded Snapshot) Snapshot {
	out := defaults.Clone()
	if out == nil {
		out = Snapshot{}
	}
	for k, v := range loaded {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// LocalIsAuthoritative reports whether a local copy should win over the
// remote one at cold start: the remote must be older than the local copy by
// more than grace.
func LocalIsAuthoritative(local, remote Meta, grace time.Duration) bool {
	if local.UpdatedAt.IsZero() {
		return false
	}
	return local.UpdatedAt.Sub(remote.UpdatedAt) > grace
}

// NextMeta stamps a new write. The version is one past the highest version
// the caller has observed, so a write never regresses what it has seen.
func NextMeta(clientID string, now time.Time, observed ...int64) Meta {
	var highest int64
	for _, v := range observed {
		if v > highest {
			highest = v
		}
	}
	return Meta{Version: highest + 1, UpdatedAt: now.UTC(), ClientID: clientID}
}

// LoadDefaults reads the built-in default snapshot from a YAML or JSON file.
// An empty path yields an empty snapshot.
func LoadDefaults(path string) (Snapshot, error) {
	if path == "" {
		return Snapshot{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		return ParseDefaultsJSON(data)
	}
	return ParseDefaultsYAML(data)
}

// ParseDefaultsJSON decodes a JSON object into a snapshot.
func ParseDefaultsJSON(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrMalformedDocument, err)
	}
	if snap == nil {
		snap = Snapshot{}
	}
	return snap, nil
}

// ParseDefaultsYAML decodes a YAML mapping into a snapshot. Every top-level
// value is re-encoded as JSON.
func ParseDefaultsYAML(data []byte) (Snapshot, error) {
	var fields map[string]any
	if err := yaml.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: defaults: %v", ErrMalformedDocument, err)
	}
	snap := make(Snapshot, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(normalizeYAML(v))
		if err != nil {
			return nil, fmt.Errorf("%w: defaults field %q: %v", ErrMalformedDocument, k, err)
		}
		snap[k] = raw
	}
	return snap, nil
}

// normalizeYAML converts map[any]any nodes (non-string keys) to
// map[string]any so they can be JSON encoded.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}
