package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		// sqlite hands text columns back as strings
		bytes = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Severity is the normalized alert severity
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ValidSeverities returns all severities, most severe first
func ValidSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
}

// IsValid reports whether s is one of the known severities
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// AlertState is the lifecycle state of an alert
type AlertState string

const (
	AlertStateNew           AlertState = "new"
	AlertStateAcknowledged  AlertState = "acknowledged"
	AlertStateInvestigating AlertState = "investigating"
	AlertStateResolved      AlertState = "resolved"
)

// IsValid reports whether s is one of the lifecycle states
func (s AlertState) IsValid() bool {
	switch s {
	case AlertStateNew, AlertStateAcknowledged, AlertStateInvestigating, AlertStateResolved:
		return true
	}
	return false
}

// ActiveAlertStates are the states in which an alert still needs attention
func ActiveAlertStates() []AlertState {
	return []AlertState{AlertStateNew, AlertStateAcknowledged, AlertStateInvestigating}
}

// Alert is a tracked incident
type Alert struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"`
	Fingerprint      string     `gorm:"size:255;not null;index" json:"fingerprint"`
	Severity         Severity   `gorm:"type:varchar(20);not null" json:"severity"`
	Source           string     `gorm:"size:128" json:"source"`
	Category         string     `gorm:"size:64;not null;default:'default'" json:"category"`
	State            AlertState `gorm:"type:varchar(20);not null;index" json:"state"`
	GroupID          uint       `gorm:"not null;index" json:"group_id"`
	EscalationTier   int        `gorm:"not null;default:0" json:"escalation_tier"`
	EscalationHalted bool       `gorm:"default:false" json:"escalation_halted"`
	IsReopen         bool       `gorm:"default:false" json:"is_reopen"`
	ReopenedFrom     string     `gorm:"size:36" json:"reopened_from,omitempty"`
	AcknowledgedAt   *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy   string     `gorm:"size:128" json:"acknowledged_by,omitempty"`
	InvestigatingAt  *time.Time `json:"investigating_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `gorm:"size:128" json:"resolved_by,omitempty"`
	CreatedAt        time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (Alert) TableName() string {
	return "alerts"
}

// IsActive returns true until the alert is resolved
func (a *Alert) IsActive() bool {
	return a.State != AlertStateResolved
}

// AlertGroup is the deduplication bucket for one fingerprint
type AlertGroup struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Fingerprint string     `gorm:"size:255;not null;uniqueIndex" json:"fingerprint"`
	Severity    Severity   `gorm:"type:varchar(20)" json:"severity"`
	WindowStart time.Time  `gorm:"not null" json:"window_start"`
	WindowEnd   time.Time  `gorm:"not null" json:"window_end"`
	EventCount  int        `gorm:"not null;default:0" json:"event_count"`
	OpenAlertID *string    `gorm:"size:36" json:"open_alert_id"`
	LastAlertID string     `gorm:"size:36" json:"last_alert_id"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (AlertGroup) TableName() string {
	return "alert_groups"
}

// IsDormant returns true when the group has no open alert
func (g *AlertGroup) IsDormant() bool {
	return g.OpenAlertID == nil || *g.OpenAlertID == ""
}

// BreachKind identifies which SLA deadline was missed
type BreachKind string

const (
	BreachKindTTA BreachKind = "TTA"
	BreachKindTTR BreachKind = "TTR"
)

// SLAClock tracks the acknowledge and resolve deadlines of one alert
type SLAClock struct {
	AlertID       string     `gorm:"primaryKey;size:36" json:"alert_id"`
	TTADeadline   time.Time  `gorm:"not null;index" json:"tta_deadline"`
	TTRDeadline   time.Time  `gorm:"not null;index" json:"ttr_deadline"`
	TTABreached   bool       `gorm:"default:false" json:"tta_breached"`
	TTRBreached   bool       `gorm:"default:false" json:"ttr_breached"`
	TTAActive     bool       `gorm:"default:true" json:"tta_active"`
	TTRActive     bool       `gorm:"default:true" json:"ttr_active"`
	TTABreachedAt *time.Time `json:"tta_breached_at,omitempty"`
	TTRBreachedAt *time.Time `json:"ttr_breached_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (SLAClock) TableName() string {
	return "sla_clocks"
}

// BreachRecord is the dedup ledger for breaches the escalation engine acted on
type BreachRecord struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	AlertID   string     `gorm:"size:36;not null;uniqueIndex:idx_breach_alert_kind" json:"alert_id"`
	Kind      BreachKind `gorm:"type:varchar(8);not null;uniqueIndex:idx_breach_alert_kind" json:"kind"`
	TierAfter int        `json:"tier_after"`
	HandledAt time.Time  `gorm:"not null" json:"handled_at"`
}

func (BreachRecord) TableName() string {
	return "breach_records"
}

// NotificationReason explains why a person is being paged
type NotificationReason string

const (
	NotificationReasonInitial   NotificationReason = "INITIAL"
	NotificationReasonTTABreach NotificationReason = "TTA_BREACH"
	NotificationReasonTTRBreach NotificationReason = "TTR_BREACH"
)

// NotificationStatus is the delivery status of a notification task
type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "pending"
	NotificationStatusSent      NotificationStatus = "sent"
	NotificationStatusFailed    NotificationStatus = "failed"
	NotificationStatusCancelled NotificationStatus = "cancelled"
)

// NotificationTask is a short-lived request to page one person for one alert tier
type NotificationTask struct {
	ID          uint               `gorm:"primaryKey" json:"id"`
	AlertID     string             `gorm:"size:36;not null;index" json:"alert_id"`
	Tier        int                `gorm:"not null" json:"tier"`
	Role        string             `gorm:"size:64;not null" json:"role"`
	Person      string             `gorm:"size:128" json:"person"`
	Email       string             `gorm:"size:255" json:"email,omitempty"`
	SlackID     string             `gorm:"size:64" json:"slack_id,omitempty"`
	Reason      NotificationReason `gorm:"type:varchar(20);not null" json:"reason"`
	Status      NotificationStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	DueAt       time.Time          `gorm:"not null;index" json:"due_at"`
	Attempts    int                `gorm:"default:0" json:"attempts"`
	LastError   string             `gorm:"type:text" json:"last_error,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func (NotificationTask) TableName() string {
	return "notification_tasks"
}

// DomainEvent is an outbox row for an event that has to reach the bus
type DomainEvent struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Kind        string     `gorm:"type:varchar(40);not null" json:"kind"`
	AlertID     string     `gorm:"size:36;not null;index" json:"alert_id"`
	Payload     JSONB      `gorm:"type:jsonb" json:"payload"`
	OccurredAt  time.Time  `gorm:"not null" json:"occurred_at"`
	Delivered   bool       `gorm:"default:false;index" json:"delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (DomainEvent) TableName() string {
	return "domain_events"
}

// OnCallOverride is an ad-hoc on-call assignment that beats the rotation
type OnCallOverride struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Role      string    `gorm:"size:64;not null;index" json:"role"`
	Person    string    `gorm:"size:128;not null" json:"person"`
	StartsAt  time.Time `gorm:"not null" json:"starts_at"`
	EndsAt    time.Time `gorm:"not null" json:"ends_at"`
	Reason    string    `gorm:"type:text" json:"reason,omitempty"`
	CreatedBy string    `gorm:"size:128" json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (OnCallOverride) TableName() string {
	return "oncall_overrides"
}

// Covers reports whether the override is in force at t (start inclusive, end exclusive)
func (o *OnCallOverride) Covers(t time.Time) bool {
	return !t.Before(o.StartsAt) && t.Before(o.EndsAt)
}

// SchedulerCheckpoint remembers the last completed SLA tick
type SchedulerCheckpoint struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	LastTickAt time.Time `json:"last_tick_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (SchedulerCheckpoint) TableName() string {
	return "scheduler_checkpoints"
}

// SlackSettings stores Slack integration configuration
type SlackSettings struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	BotToken        string    `gorm:"type:text" json:"bot_token"`
	AppToken        string    `gorm:"type:text" json:"app_token"`
	FallbackChannel string    `gorm:"type:varchar(255)" json:"fallback_channel"`
	Enabled         bool      `gorm:"default:false" json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (SlackSettings) TableName() string {
	return "slack_settings"
}

// IsConfigured returns true if the bot token is set
func (s *SlackSettings) IsConfigured() bool {
	return s.BotToken != ""
}

// IsActive returns true if Slack is enabled and configured
func (s *SlackSettings) IsActive() bool {
	return s.Enabled && s.IsConfigured()
}

// HasSocketMode returns true if interactive buttons can be received
func (s *SlackSettings) HasSocketMode() bool {
	return s.IsActive() && s.AppToken != ""
}

// BeforeCreate fills CreatedAt for alerts built outside the state machine
func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Category == "" {
		a.Category = "default"
	}
	return nil
}

var severityAliases = map[string]Severity{
	"critical":      SeverityCritical,
	"crit":          SeverityCritical,
	"fatal":         SeverityCritical,
	"disaster":      SeverityCritical,
	"emergency":     SeverityCritical,
	"p1":            SeverityCritical,
	"sev1":          SeverityCritical,
	"high":          SeverityHigh,
	"error":         SeverityHigh,
	"major":         SeverityHigh,
	"p2":            SeverityHigh,
	"sev2":          SeverityHigh,
	"medium":        SeverityMedium,
	"warning":       SeverityMedium,
	"warn":          SeverityMedium,
	"average":       SeverityMedium,
	"moderate":      SeverityMedium,
	"p3":            SeverityMedium,
	"sev3":          SeverityMedium,
	"low":           SeverityLow,
	"minor":         SeverityLow,
	"info":          SeverityLow,
	"information":   SeverityLow,
	"informational": SeverityLow,
	"p4":            SeverityLow,
	"sev4":          SeverityLow,
}

// ParseSeverity maps a severity name or common alias to a Severity
func ParseSeverity(s string) (Severity, bool) {
	sev, ok := severityAliases[strings.ToLower(strings.TrimSpace(s))]
	return sev, ok
}
