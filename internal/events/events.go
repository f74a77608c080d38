package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akmatori/escalator/internal/database"
)

// Kind names a domain event type
type Kind string

const (
	KindAlertTransitioned Kind = "AlertTransitioned"
	KindSLABreached       Kind = "SLABreached"
	KindConfigurationGap  Kind = "ConfigurationGap"
)

// AlertTransitioned is emitted for every state change, including creation
// (From is empty when the alert was just created).
type AlertTransitioned struct {
	AlertID     string              `json:"alert_id"`
	Fingerprint string              `json:"fingerprint"`
	Severity    database.Severity   `json:"severity"`
	From        database.AlertState `json:"from"`
	To          database.AlertState `json:"to"`
	At          time.Time           `json:"at"`
	Actor       string              `json:"actor"`
	IsReopen    bool                `json:"is_reopen,omitempty"`
}

// IsCreation reports whether the event marks a freshly created alert
func (e AlertTransitioned) IsCreation() bool {
	return e.From == "" && e.To == database.AlertStateNew
}

// SLABreached is emitted once per (alert, kind) when a deadline passes
type SLABreached struct {
	AlertID  string              `json:"alert_id"`
	Kind     database.BreachKind `json:"kind"`
	At       time.Time           `json:"at"`
	Deadline time.Time           `json:"deadline"`
}

// ConfigurationGap reports a role with nobody on call
type ConfigurationGap struct {
	AlertID string    `json:"alert_id"`
	Tier    int       `json:"tier"`
	Role    string    `json:"role"`
	At      time.Time `json:"at"`
}

// Event is the envelope carried on the bus. Exactly one payload pointer is set.
type Event struct {
	ID         uint               `json:"id,omitempty"`
	Kind       Kind               `json:"kind"`
	AlertID    string             `json:"alert_id"`
	OccurredAt time.Time          `json:"occurred_at"`
	Transition *AlertTransitioned `json:"transition,omitempty"`
	Breach     *SLABreached       `json:"breach,omitempty"`
	Gap        *ConfigurationGap  `json:"gap,omitempty"`
}

// Transitioned wraps a transition in an envelope
func Transitioned(t AlertTransitioned) Event {
	return Event{Kind: KindAlertTransitioned, AlertID: t.AlertID, OccurredAt: t.At, Transition: &t}
}

// Breached wraps a breach in an envelope
func Breached(b SLABreached) Event {
	return Event{Kind: KindSLABreached, AlertID: b.AlertID, OccurredAt: b.At, Breach: &b}
}

// Gap wraps a configuration gap in an envelope
func Gap(g ConfigurationGap) Event {
	return Event{Kind: KindConfigurationGap, AlertID: g.AlertID, OccurredAt: g.At, Gap: &g}
}

func (e Event) payload() (interface{}, error) {
	switch e.Kind {
	case KindAlertTransitioned:
		return e.Transition, nil
	case KindSLABreached:
		return e.Breach, nil
	case KindConfigurationGap:
		return e.Gap, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", e.Kind)
}

// toRow converts an event into its outbox representation
func toRow(e Event) (*database.DomainEvent, error) {
	p, err := e.payload()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Kind, err)
	}
	var payload database.JSONB
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Kind, err)
	}
	return &database.DomainEvent{
		Kind:       string(e.Kind),
		AlertID:    e.AlertID,
		Payload:    payload,
		OccurredAt: e.OccurredAt,
	}, nil
}

// fromRow rebuilds an event from an outbox row
func fromRow(row database.DomainEvent) (Event, error) {
	raw, err := json.Marshal(row.Payload)
	if err != nil {
		return Event{}, err
	}
	e := Event{ID: row.ID, Kind: Kind(row.Kind), AlertID: row.AlertID, OccurredAt: row.OccurredAt}
	switch e.Kind {
	case KindAlertTransitioned:
		e.Transition = &AlertTransitioned{}
		err = json.Unmarshal(raw, e.Transition)
	case KindSLABreached:
		e.Breach = &SLABreached{}
		err = json.Unmarshal(raw, e.Breach)
	case KindConfigurationGap:
		e.Gap = &ConfigurationGap{}
		err = json.Unmarshal(raw, e.Gap)
	default:
		err = fmt.Errorf("unknown event kind %q", row.Kind)
	}
	if err != nil {
		return Event{}, fmt.Errorf("failed to decode outbox event %d: %w", row.ID, err)
	}
	return e, nil
}
