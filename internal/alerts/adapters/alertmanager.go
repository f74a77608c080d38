package adapters

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akmatori/escalator/internal/alerts"
	"github.com/akmatori/escalator/internal/services"
)

// AlertmanagerAdapter handles Prometheus Alertmanager webhooks
type AlertmanagerAdapter struct {
	alerts.BaseAdapter
}

// NewAlertmanagerAdapter creates a new Alertmanager adapter
func NewAlertmanagerAdapter() *AlertmanagerAdapter {
	return &AlertmanagerAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "alertmanager", SecretHeader: "X-Alertmanager-Secret"},
	}
}

// AlertmanagerPayload represents the webhook payload from Alertmanager
type AlertmanagerPayload struct {
	Alerts            []AlertmanagerAlert `json:"alerts"`
	Status            string              `json:"status"`
	GroupLabels       map[string]string   `json:"groupLabels"`
	CommonLabels      map[string]string   `json:"commonLabels"`
	CommonAnnotations map[string]string   `json:"commonAnnotations"`
	ExternalURL       string              `json:"externalURL"`
	Version           string              `json:"version"`
	GroupKey          string              `json:"groupKey"`
}

// AlertmanagerAlert represents a single alert in the payload
type AlertmanagerAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	GeneratorURL string            `json:"generatorURL"`
	Fingerprint  string            `json:"fingerprint"`
}

// Parse parses an Alertmanager webhook payload into ingest events
func (a *AlertmanagerAdapter) Parse(body []byte) ([]services.IngestEvent, error) {
	var payload AlertmanagerPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse alertmanager payload: %w", err)
	}

	var out []services.IngestEvent
	for _, alert := range payload.Alerts {
		if alerts.IsResolvedStatus(alert.Status) {
			continue
		}
		labels := mergeLabels(payload.CommonLabels, alert.Labels)
		out = append(out, services.IngestEvent{
			Fingerprint: alerts.Fingerprint(a.SourceType, alert.Fingerprint, labels),
			Severity:    string(alerts.NormalizeSeverity(labels["severity"])),
			Source:      a.SourceType,
			Timestamp:   alert.StartsAt,
			Category:    alerts.Category(labels),
		})
	}
	return out, nil
}

// mergeLabels overlays alert labels on the group's common labels
func mergeLabels(common, own map[string]string) map[string]string {
	result := make(map[string]string, len(common)+len(own))
	for k, v := range common {
		result[k] = v
	}
	for k, v := range own {
		result[k] = v
	}
	return result
}
