package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// keyFingerprint is a short, non-secret identifier for an API key, used in
// logs and rate-limit buckets.
func keyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "ak_" + hex.EncodeToString(sum[:4])
}

// getKeyFromContext returns the fingerprint of the authenticated key, or ""
// when auth is disabled.
func getKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(ctxKeyAuthKey).(string)
	return k
}

// bearerToken extracts the token from an Authorization header. Browsers
// cannot set headers on websocket upgrades, so ?token= is accepted as well.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) validKey(token string) bool {
	ok := false
	for _, k := range s.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			ok = true
		}
	}
	return ok
}

// requireAuth validates the bearer token against the configured API keys.
// With no keys configured every request is let through.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.config.APIKeys) == 0 {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid Authorization header")
			return
		}
		if !s.validKey(token) {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid API key")
			return
		}
		fp := keyFingerprint(token)
		ctx := context.WithValue(r.Context(), ctxKeyAuthKey, fp)
		ctx = withLogger(ctx, logFor(ctx).With("key", fp))
		next(w, r.WithContext(ctx))
	}
}
