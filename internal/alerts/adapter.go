package alerts

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/services"
)

// ErrInvalidSecret is returned when a webhook carries the wrong shared secret
var ErrInvalidSecret = errors.New("invalid webhook secret")

// Adapter turns a monitoring system's webhook payload into ingest events
type Adapter interface {
	// GetSourceType returns the source type name (e.g., "alertmanager")
	GetSourceType() string

	// ValidateWebhookSecret checks the request against the configured secret
	ValidateWebhookSecret(r *http.Request, secret string) error

	// Parse converts the raw body into events. A single webhook can carry
	// many alerts; resolved ones are skipped.
	Parse(body []byte) ([]services.IngestEvent, error)
}

// BaseAdapter provides common functionality for all adapters
type BaseAdapter struct {
	SourceType   string
	SecretHeader string
}

// GetSourceType returns the source type name
func (b *BaseAdapter) GetSourceType() string {
	return b.SourceType
}

// ValidateWebhookSecret accepts the secret in the adapter's header or as a
// bearer token. An empty secret disables the check.
func (b *BaseAdapter) ValidateWebhookSecret(r *http.Request, secret string) error {
	if secret == "" {
		return nil
	}
	got := r.Header.Get(b.SecretHeader)
	if got == "" {
		got = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return ErrInvalidSecret
	}
	return nil
}

// Registry maps source types to adapters
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.GetSourceType()] = a
	}
	return r
}

// Get returns the adapter for a source type
func (r *Registry) Get(sourceType string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(sourceType)]
	if !ok {
		return nil, fmt.Errorf("unknown alert source %q", sourceType)
	}
	return a, nil
}

// Sources lists registered source types, sorted
func (r *Registry) Sources() []string {
	out := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeSeverity maps a source severity to one of the four levels.
// Unknown or empty values become medium.
func NormalizeSeverity(severity string) database.Severity {
	if sev, ok := database.ParseSeverity(severity); ok {
		return sev
	}
	return database.SeverityMedium
}

// IsResolvedStatus reports whether a source status means the alert cleared
func IsResolvedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "resolved", "ok", "recovery", "inactive", "normal":
		return true
	}
	return false
}

// Fingerprint returns the source fingerprint, or a stable hash of the labels
// when the source did not provide one.
func Fingerprint(source, sourceFingerprint string, labels map[string]string) string {
	if sourceFingerprint != "" {
		return source + ":" + sourceFingerprint
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(labels[k]))
		h.Write([]byte{0})
	}
	return source + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Category picks the escalation category from common label names
func Category(labels map[string]string) string {
	for _, key := range []string{"category", "team", "service"} {
		if v := strings.TrimSpace(labels[key]); v != "" {
			return v
		}
	}
	return ""
}
