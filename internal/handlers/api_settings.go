package handlers

import (
	"log"
	"net/http"

	"github.com/akmatori/escalator/internal/api"
	"github.com/akmatori/escalator/internal/database"
)

// handleGetEngineSettings handles GET /api/settings/engine
func (h *HTTPHandler) handleGetEngineSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetOrCreateEngineSettings(h.engine.DB)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleUpdateEngineSettings handles PUT /api/settings/engine. The SLA
// monitor picks up a new tick interval on its next tick; the on-call cache
// TTL applies immediately.
func (h *HTTPHandler) handleUpdateEngineSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateEngineSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondBodyError(w, err)
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	settings, err := database.GetOrCreateEngineSettings(h.engine.DB)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	req.Apply(settings)
	if err := database.UpdateEngineSettings(h.engine.DB, settings); err != nil {
		api.RespondServiceError(w, err)
		return
	}
	h.engine.OnCall.SetCacheTTL(settings.OnCallCacheTTL())

	log.Printf("Settings: engine settings updated (flap=%dm grouping=%dm tick=%ds oncall_cache=%ds)",
		settings.FlapWindowMinutes, settings.GroupingWindowMinutes, settings.TickIntervalSeconds, settings.OnCallCacheTTLSeconds)
	api.RespondJSON(w, http.StatusOK, settings)
}

// handleGetSlackSettings handles GET /api/settings/slack
func (h *HTTPHandler) handleGetSlackSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := database.GetSlackSettings()
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewSlackSettingsResponse(settings))
}

// handleUpdateSlackSettings handles PUT /api/settings/slack and reconnects Slack
func (h *HTTPHandler) handleUpdateSlackSettings(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateSlackSettingsRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondBodyError(w, err)
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	settings, err := database.GetSlackSettings()
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	req.Apply(settings)
	if err := database.UpdateSlackSettings(settings); err != nil {
		api.RespondServiceError(w, err)
		return
	}
	if h.slack != nil {
		h.slack.TriggerReload()
	}
	api.RespondJSON(w, http.StatusOK, api.NewSlackSettingsResponse(settings))
}

// handleGetPolicy handles GET /api/policy
func (h *HTTPHandler) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	api.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"version": h.engine.Policies.Version(),
		"path":    h.engine.Policies.Path(),
		"policy":  h.engine.Policies.Get(),
	})
}

// handleReloadPolicy handles POST /api/policy/reload. A rejected file leaves
// the active policy in place.
func (h *HTTPHandler) handleReloadPolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Policies.Reload(); err != nil {
		log.Printf("Policy: manual reload failed: %v", err)
		api.RespondErrorWithCode(w, http.StatusUnprocessableEntity, api.CodeValidation, err.Error())
		return
	}
	api.RespondJSON(w, http.StatusOK, api.PolicyReloadResponse{
		Version: h.engine.Policies.Version(),
		Path:    h.engine.Policies.Path(),
	})
}
