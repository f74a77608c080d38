package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/akmatori/escalator/internal/api"
)

// APIKeyHeader carries an ingest API key when Authorization is taken
const APIKeyHeader = "X-API-Key"

// AuthConfig holds API key authentication for machine clients
type AuthConfig struct {
	// APIKeys are the accepted keys. Auth is enforced only when non-empty.
	APIKeys []string

	// Paths are the paths this middleware protects; "*" suffix matches a prefix
	Paths []string
}

// AuthMiddleware authenticates monitoring systems posting events with a static API key.
// Requests to other paths pass through untouched.
type AuthMiddleware struct {
	mu    sync.RWMutex
	keys  []string
	paths pathSet
}

// NewAuthMiddleware creates a new API key middleware
func NewAuthMiddleware(config *AuthConfig) *AuthMiddleware {
	m := &AuthMiddleware{paths: newPathSet(config.Paths)}
	m.SetKeys(config.APIKeys)
	return m
}

// SetKeys replaces the accepted keys
func (m *AuthMiddleware) SetKeys(keys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append([]string(nil), keys...)
	if len(m.keys) > 0 {
		log.Printf("AuthMiddleware: %d ingest API keys loaded, ingestion requires a key", len(m.keys))
	}
}

// IsEnabled reports whether any key is configured
func (m *AuthMiddleware) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys) > 0
}

// Wrap wraps an http.Handler with API key authentication
func (m *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.paths.match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		m.mu.RLock()
		keys := m.keys
		m.mu.RUnlock()
		if len(keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			unauthorized(w, "Missing API key")
			return
		}
		if !validAPIKey(apiKey, keys) {
			log.Printf("AuthMiddleware: Invalid API key attempt from %s", r.RemoteAddr)
			unauthorized(w, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractAPIKey supports "ApiKey <key>" and "Bearer <key>" Authorization
// headers and the X-API-Key header.
func extractAPIKey(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "ApiKey ") {
		return strings.TrimPrefix(authHeader, "ApiKey ")
	}
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return r.Header.Get(APIKeyHeader)
}

// validAPIKey compares in constant time
func validAPIKey(provided string, valid []string) bool {
	for _, k := range valid {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer realm=\"API\"")
	api.RespondError(w, http.StatusUnauthorized, message)
}
