package adapters

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/akmatori/escalator/internal/alerts"
	"github.com/akmatori/escalator/internal/services"
)

// GrafanaAdapter handles Grafana alerting webhooks
type GrafanaAdapter struct {
	alerts.BaseAdapter
}

// NewGrafanaAdapter creates a new Grafana adapter
func NewGrafanaAdapter() *GrafanaAdapter {
	return &GrafanaAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "grafana", SecretHeader: "X-Grafana-Secret"},
	}
}

// GrafanaPayload represents the webhook payload from Grafana
// Supports both legacy alerting and Grafana Alerting (unified alerting)
type GrafanaPayload struct {
	// Unified Alerting format
	Receiver     string            `json:"receiver"`
	Status       string            `json:"status"`
	Alerts       []GrafanaAlert    `json:"alerts"`
	CommonLabels map[string]string `json:"commonLabels"`

	// Legacy alerting format
	RuleName string            `json:"ruleName"`
	State    string            `json:"state"`
	Message  string            `json:"message"`
	RuleURL  string            `json:"ruleUrl"`
	RuleID   int               `json:"ruleId"`
	Title    string            `json:"title"`
	Tags     map[string]string `json:"tags"`
}

// GrafanaAlert represents a single alert in unified alerting
type GrafanaAlert struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     string            `json:"startsAt"`
	EndsAt       string            `json:"endsAt"`
	Fingerprint  string            `json:"fingerprint"`
	GeneratorURL string            `json:"generatorURL"`
}

// Parse parses a Grafana webhook payload into ingest events
func (a *GrafanaAdapter) Parse(body []byte) ([]services.IngestEvent, error) {
	var payload GrafanaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse grafana payload: %w", err)
	}

	if len(payload.Alerts) == 0 {
		return a.parseLegacy(payload), nil
	}

	var out []services.IngestEvent
	for _, alert := range payload.Alerts {
		if alerts.IsResolvedStatus(alert.Status) {
			continue
		}
		labels := mergeLabels(payload.CommonLabels, alert.Labels)
		var startsAt time.Time
		if t, err := time.Parse(time.RFC3339, alert.StartsAt); err == nil {
			startsAt = t
		}
		out = append(out, services.IngestEvent{
			Fingerprint: alerts.Fingerprint(a.SourceType, alert.Fingerprint, labels),
			Severity:    string(alerts.NormalizeSeverity(labels["severity"])),
			Source:      a.SourceType,
			Timestamp:   startsAt,
			Category:    alerts.Category(labels),
		})
	}
	return out, nil
}

// parseLegacy handles the pre-unified format: one rule per payload, keyed by rule id
func (a *GrafanaAdapter) parseLegacy(payload GrafanaPayload) []services.IngestEvent {
	if payload.RuleID == 0 && payload.RuleName == "" {
		return nil
	}
	if alerts.IsResolvedStatus(payload.State) {
		return nil
	}
	labels := mergeLabels(payload.Tags, map[string]string{"rule_name": payload.RuleName})
	sourceFP := ""
	if payload.RuleID != 0 {
		sourceFP = "rule-" + strconv.Itoa(payload.RuleID)
	}
	return []services.IngestEvent{{
		Fingerprint: alerts.Fingerprint(a.SourceType, sourceFP, labels),
		Severity:    string(alerts.NormalizeSeverity(labels["severity"])),
		Source:      a.SourceType,
		Category:    alerts.Category(labels),
	}}
}
