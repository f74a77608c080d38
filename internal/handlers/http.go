package handlers

import (
	"net/http"
	"time"

	"github.com/akmatori/escalator/internal/alerts"
	"github.com/akmatori/escalator/internal/api"
	"github.com/akmatori/escalator/internal/metrics"
	"github.com/akmatori/escalator/internal/notify"
	"github.com/akmatori/escalator/internal/services"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HTTPHandler serves the engine's REST API
type HTTPHandler struct {
	engine        *services.Engine
	registry      *alerts.Registry
	slack         *notify.SlackManager
	webhookSecret string
	now           func() time.Time
}

// NewHTTPHandler creates a new HTTP handler. slack may be nil when Slack is
// not wired in.
func NewHTTPHandler(engine *services.Engine, registry *alerts.Registry, slack *notify.SlackManager, webhookSecret string) *HTTPHandler {
	return &HTTPHandler{
		engine:        engine,
		registry:      registry,
		slack:         slack,
		webhookSecret: webhookSecret,
		now:           time.Now,
	}
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	// Ingestion
	mux.HandleFunc("POST /api/events", h.handleIngest)
	mux.HandleFunc("POST /webhook/alert/{source}", h.handleWebhook)

	// Alerts
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("GET /api/alerts/{id}", h.handleGetAlert)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", h.handleAlertCommand(commandAcknowledge))
	mux.HandleFunc("POST /api/alerts/{id}/investigate", h.handleAlertCommand(commandInvestigate))
	mux.HandleFunc("POST /api/alerts/{id}/resolve", h.handleAlertCommand(commandResolve))
	mux.HandleFunc("POST /api/alerts/{id}/reopen", h.handleAlertCommand(commandReopen))

	// On-call
	mux.HandleFunc("GET /api/oncall", h.handleWhoIsOnCall)
	mux.HandleFunc("GET /api/oncall/overrides", h.handleListOverrides)
	mux.HandleFunc("POST /api/oncall/overrides", h.handleCreateOverride)
	mux.HandleFunc("DELETE /api/oncall/overrides/{id}", h.handleDeleteOverride)

	// Settings and policy
	mux.HandleFunc("GET /api/settings/engine", h.handleGetEngineSettings)
	mux.HandleFunc("PUT /api/settings/engine", h.handleUpdateEngineSettings)
	mux.HandleFunc("GET /api/settings/slack", h.handleGetSlackSettings)
	mux.HandleFunc("PUT /api/settings/slack", h.handleUpdateSlackSettings)
	mux.HandleFunc("GET /api/policy", h.handleGetPolicy)
	mux.HandleFunc("POST /api/policy/reload", h.handleReloadPolicy)
}

// handleHealth reports liveness plus the state of the pieces an operator
// usually asks about first
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if sqlDB, err := h.engine.DB.DB(); err != nil || sqlDB.PingContext(r.Context()) != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}

	slackStatus := "disabled"
	if h.slack != nil && h.slack.IsRunning() {
		slackStatus = "running"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	api.RespondJSON(w, status, map[string]interface{}{
		"status":         overall,
		"version":        Version,
		"database":       dbStatus,
		"slack":          slackStatus,
		"policy_version": h.engine.Policies.Version(),
	})
}
