// Package remote defines the contract between the engine and the shared
// document store, plus an in-process Hub implementing it.
package remote

import (
	"context"

	"github.com/marcus/snapsync/internal/snapshot"
)

// Store is a shared, durable document store.
//
// Get returns (nil, nil) when the document does not exist. Set commits a
// document. Subscribe calls onUpdate with every committed document, including
// the subscriber's own writes, until the returned function is called or ctx
// ends. onUpdate must not block for long.
type Store interface {
	Get(ctx context.Context, id string) (*snapshot.Document, error)
	Set(ctx context.Context, id string, doc snapshot.Document) error
	Subscribe(ctx context.Context, id string, onUpdate func(snapshot.Document)) (unsubscribe func(), err error)
}

// Accepts applies the commit rule shared by every store: a write is accepted
// when nothing is stored yet or its version advances the stored one.
func Accepts(stored *snapshot.Document, incoming snapshot.Meta) bool {
	return stored == nil || incoming.Version > stored.Meta.Version
}
