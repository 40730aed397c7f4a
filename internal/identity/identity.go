// Package identity loads or mints the per-install client identifier that lets
// a process recognize its own writes echoed back by the remote store.
package identity

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// CacheKey is the local cache key holding the client identity.
const CacheKey = "snapsync:client_id"

// Store is the subset of the local cache identity needs.
type Store interface {
	Read(key string) ([]byte, bool, error)
	Write(key string, value []byte) error
}

// Mint creates a new random client identity.
func Mint() string {
	return uuid.NewString()
}

// LoadOrMint returns the persisted identity, minting and persisting a new one
// on first run. When the cache cannot be read or written the minted identity
// is still returned so the process can run; it just will not survive a
// restart.
func LoadOrMint(store Store) (string, error) {
	raw, ok, err := store.Read(CacheKey)
	if err == nil && ok {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
		slog.Warn("identity: empty client id in cache, minting a new one")
	}

	id := Mint()
	if err != nil {
		return id, fmt.Errorf("read client id: %w", err)
	}
	if werr := store.Write(CacheKey, []byte(id)); werr != nil {
		return id, fmt.Errorf("persist client id: %w", werr)
	}
	slog.Debug("identity: minted client id", "client_id", id)
	return id, nil
}
