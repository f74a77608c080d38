package handlers

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/akmatori/escalator/internal/api"
	"github.com/akmatori/escalator/internal/middleware"
	"github.com/akmatori/escalator/internal/services"
)

// RoleCoverage is one entry of the on-call overview
type RoleCoverage struct {
	Role   string           `json:"role"`
	Person *services.Person `json:"person,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// handleWhoIsOnCall handles GET /api/oncall?role=&at=. Without a role it
// returns coverage for every role the policy references.
func (h *HTTPHandler) handleWhoIsOnCall(w http.ResponseWriter, r *http.Request) {
	at := h.now()
	if v := r.URL.Query().Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			api.RespondValidationError(w, map[string]string{"at": "must be an RFC3339 timestamp"})
			return
		}
		at = parsed
	}

	role := strings.TrimSpace(r.URL.Query().Get("role"))
	if role != "" {
		person, err := h.engine.OnCall.WhoIsOnCall(role, at)
		if err != nil {
			api.RespondServiceError(w, err)
			return
		}
		api.RespondJSON(w, http.StatusOK, person)
		return
	}

	var coverage []RoleCoverage
	for _, role := range h.policyRoles() {
		entry := RoleCoverage{Role: role}
		person, err := h.engine.OnCall.WhoIsOnCall(role, at)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Person = person
		}
		coverage = append(coverage, entry)
	}
	api.RespondJSON(w, http.StatusOK, coverage)
}

// policyRoles lists every role named by an escalation tier or a schedule
func (h *HTTPHandler) policyRoles() []string {
	policy := h.engine.Policies.Get()
	seen := map[string]bool{}
	for _, ep := range policy.EscalationPolicies {
		for _, tier := range ep.Tiers {
			seen[tier.Role] = true
		}
	}
	for _, s := range policy.Schedules {
		for role := range s.Roles {
			seen[role] = true
		}
	}
	roles := make([]string, 0, len(seen))
	for role := range seen {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// handleListOverrides handles GET /api/oncall/overrides?include_expired=true
func (h *HTTPHandler) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	includeExpired := r.URL.Query().Get("include_expired") == "true"
	overrides, err := h.engine.OnCall.ListOverrides(includeExpired)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, overrides)
}

// handleCreateOverride handles POST /api/oncall/overrides
func (h *HTTPHandler) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req api.OverrideRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondBodyError(w, err)
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	override, err := h.engine.OnCall.CreateOverride(req.ToInput(middleware.Actor(r.Context(), "", "api")))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusCreated, override)
}

// handleDeleteOverride handles DELETE /api/oncall/overrides/{id}
func (h *HTTPHandler) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.OnCall.DeleteOverride(r.PathValue("id")); err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondNoContent(w)
}
