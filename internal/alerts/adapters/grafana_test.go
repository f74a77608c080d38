package adapters

import "testing"

func TestGrafanaAdapter_Parse_Unified(t *testing.T) {
	adapter := NewGrafanaAdapter()
	payload := []byte(`{
		"receiver": "escalator",
		"status": "firing",
		"alerts": [
			{
				"status": "firing",
				"labels": {"alertname": "DiskFull", "severity": "P2", "category": "database"},
				"startsAt": "2024-01-15T10:30:00Z",
				"fingerprint": "f00"
			},
			{"status": "resolved", "labels": {"alertname": "Old"}, "fingerprint": "bar"}
		]
	}`)

	events, err := adapter.Parse(payload)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Fingerprint != "grafana:f00" || ev.Severity != "high" || ev.Category != "database" {
		t.Errorf("Unexpected event: %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Error("Expected timestamp to be parsed")
	}
}

func TestGrafanaAdapter_Parse_Legacy(t *testing.T) {
	adapter := NewGrafanaAdapter()

	events, err := adapter.Parse([]byte(`{
		"ruleId": 42,
		"ruleName": "CPU high",
		"state": "alerting",
		"tags": {"severity": "critical"}
	}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(events) != 1 || events[0].Fingerprint != "grafana:rule-42" || events[0].Severity != "critical" {
		t.Fatalf("Unexpected legacy events: %+v", events)
	}

	events, _ = adapter.Parse([]byte(`{"ruleId": 42, "ruleName": "CPU high", "state": "ok"}`))
	if len(events) != 0 {
		t.Errorf("Expected ok state to be skipped, got %+v", events)
	}

	events, _ = adapter.Parse([]byte(`{}`))
	if len(events) != 0 {
		t.Errorf("Expected empty payload to produce no events, got %+v", events)
	}
}

func TestGrafanaAdapter_ValidateWebhookSecret_Header(t *testing.T) {
	adapter := NewGrafanaAdapter()
	if adapter.SecretHeader != "X-Grafana-Secret" {
		t.Errorf("Expected Grafana secret header, got %s", adapter.SecretHeader)
	}
}
