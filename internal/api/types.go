package api

import (
	"strings"
	"time"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/services"
)

// ========== Event Types ==========

// IngestRequest is the request body for POST /api/events.
type IngestRequest struct {
	Fingerprint string    `json:"fingerprint" validate:"required,max=255"`
	Severity    string    `json:"severity" validate:"required,severity"`
	Source      string    `json:"source" validate:"omitempty,max=128"`
	Timestamp   time.Time `json:"timestamp"`
	Category    string    `json:"category,omitempty" validate:"omitempty,max=64"`
}

// ToEvent converts the request into an ingest event
func (r IngestRequest) ToEvent() services.IngestEvent {
	return services.IngestEvent{
		Fingerprint: strings.TrimSpace(r.Fingerprint),
		Severity:    r.Severity,
		Source:      r.Source,
		Timestamp:   r.Timestamp,
		Category:    r.Category,
	}
}

// WebhookResponse is the response body for POST /webhook/alert/{source}.
type WebhookResponse struct {
	Source   string                  `json:"source"`
	Received int                     `json:"received"`
	Results  []services.IngestResult `json:"results"`
	Errors   []string                `json:"errors,omitempty"`
}

// ========== Alert Types ==========

// TransitionRequest is the optional body of alert command endpoints.
type TransitionRequest struct {
	Actor string `json:"actor" validate:"omitempty,max=128"`
}

// AlertResponse is an alert snapshot with its SLA clock.
type AlertResponse struct {
	database.Alert
	SLA *database.SLAClock `json:"sla,omitempty"`
}

// ========== On-Call Types ==========

// OverrideRequest is the request body for POST /api/oncall/overrides.
type OverrideRequest struct {
	Role     string    `json:"role" validate:"required,max=64"`
	Person   string    `json:"person" validate:"required,max=128"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
	EndsAt   time.Time `json:"ends_at" validate:"required,gtfield=StartsAt"`
	Reason   string    `json:"reason" validate:"omitempty,max=512"`
}

// ToInput converts the request into an override input recorded as createdBy
func (r OverrideRequest) ToInput(createdBy string) services.OverrideInput {
	return services.OverrideInput{
		Role:      r.Role,
		Person:    r.Person,
		StartsAt:  r.StartsAt,
		EndsAt:    r.EndsAt,
		Reason:    r.Reason,
		CreatedBy: createdBy,
	}
}

// ========== Settings Types ==========

// UpdateEngineSettingsRequest is the request body for PUT /api/settings/engine.
// Omitted fields keep their current value.
type UpdateEngineSettingsRequest struct {
	FlapWindowMinutes     *int `json:"flap_window_minutes" validate:"omitempty,gte=0,lte=1440"`
	GroupingWindowMinutes *int `json:"grouping_window_minutes" validate:"omitempty,gte=1,lte=1440"`
	TickIntervalSeconds   *int `json:"tick_interval_seconds" validate:"omitempty,gte=1,lte=3600"`
	OnCallCacheTTLSeconds *int `json:"oncall_cache_ttl_seconds" validate:"omitempty,gte=1,lte=60"`
}

// Apply copies the set fields onto s
func (r UpdateEngineSettingsRequest) Apply(s *database.EngineSettings) {
	if r.FlapWindowMinutes != nil {
		s.FlapWindowMinutes = *r.FlapWindowMinutes
	}
	if r.GroupingWindowMinutes != nil {
		s.GroupingWindowMinutes = *r.GroupingWindowMinutes
	}
	if r.TickIntervalSeconds != nil {
		s.TickIntervalSeconds = *r.TickIntervalSeconds
	}
	if r.OnCallCacheTTLSeconds != nil {
		s.OnCallCacheTTLSeconds = *r.OnCallCacheTTLSeconds
	}
}

// UpdateSlackSettingsRequest is the request body for PUT /api/settings/slack.
type UpdateSlackSettingsRequest struct {
	BotToken        *string `json:"bot_token"`
	AppToken        *string `json:"app_token"`
	FallbackChannel *string `json:"fallback_channel" validate:"omitempty,max=255"`
	Enabled         *bool   `json:"enabled"`
}

// Apply copies the set fields onto s
func (r UpdateSlackSettingsRequest) Apply(s *database.SlackSettings) {
	if r.BotToken != nil {
		s.BotToken = *r.BotToken
	}
	if r.AppToken != nil {
		s.AppToken = *r.AppToken
	}
	if r.FallbackChannel != nil {
		s.FallbackChannel = *r.FallbackChannel
	}
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
}

// SlackSettingsResponse hides tokens, reporting only whether they are set.
type SlackSettingsResponse struct {
	BotTokenSet     bool   `json:"bot_token_set"`
	AppTokenSet     bool   `json:"app_token_set"`
	FallbackChannel string `json:"fallback_channel"`
	Enabled         bool   `json:"enabled"`
	SocketMode      bool   `json:"socket_mode"`
}

// NewSlackSettingsResponse builds the masked view of s
func NewSlackSettingsResponse(s *database.SlackSettings) SlackSettingsResponse {
	return SlackSettingsResponse{
		BotTokenSet:     s.BotToken != "",
		AppTokenSet:     s.AppToken != "",
		FallbackChannel: s.FallbackChannel,
		Enabled:         s.Enabled,
		SocketMode:      s.HasSocketMode(),
	}
}

// ========== Policy Types ==========

// PolicyReloadResponse is the response body for POST /api/policy/reload.
type PolicyReloadResponse struct {
	Version uint64 `json:"version"`
	Path    string `json:"path"`
}

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string    `json:"token"`
	Username  string    `json:"username"`
	ExpiresIn int       `json:"expires_in"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStatus is the response body for GET /auth/verify. The dashboard
// skips its login screen when AuthEnabled is false.
type SessionStatus struct {
	Valid       bool   `json:"valid"`
	AuthEnabled bool   `json:"auth_enabled"`
	Username    string `json:"username,omitempty"`
}
