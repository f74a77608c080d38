package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/akmatori/escalator/internal/api"
	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/middleware"
	"github.com/akmatori/escalator/internal/services"
)

type alertCommand string

const (
	commandAcknowledge alertCommand = "acknowledge"
	commandInvestigate alertCommand = "investigate"
	commandResolve     alertCommand = "resolve"
	commandReopen      alertCommand = "reopen"
)

// handleListAlerts handles GET /api/alerts. Without a state filter only
// active alerts are listed; state=all lists every alert.
func (h *HTTPHandler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := services.AlertFilter{
		States:      database.ActiveAlertStates(),
		Fingerprint: strings.TrimSpace(q.Get("fingerprint")),
	}

	if v := strings.TrimSpace(q.Get("state")); v != "" {
		filter.States = nil
		if v != "all" {
			for _, part := range strings.Split(v, ",") {
				state := database.AlertState(strings.TrimSpace(part))
				if !state.IsValid() {
					api.RespondValidationError(w, map[string]string{"state": "must be one of: new acknowledged investigating resolved all"})
					return
				}
				filter.States = append(filter.States, state)
			}
		}
	}
	if v := q.Get("severity"); v != "" {
		sev, ok := database.ParseSeverity(v)
		if !ok {
			api.RespondValidationError(w, map[string]string{"severity": "must be one of: critical high medium low"})
			return
		}
		filter.Severity = sev
	}

	page := api.ParsePagination(r)
	alerts, total, err := h.engine.States.List(filter, page.Offset(), page.PerPage)
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, api.NewPage(page, alerts, total))
}

// handleGetAlert handles GET /api/alerts/{id}
func (h *HTTPHandler) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.engine.States.Get(r.PathValue("id"))
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}
	api.RespondJSON(w, http.StatusOK, h.alertResponse(alert))
}

// handleAlertCommand handles POST /api/alerts/{id}/{command}. The actor is
// taken from the body, then from the logged-in user.
func (h *HTTPHandler) handleAlertCommand(cmd alertCommand) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req api.TransitionRequest
		if err := api.DecodeOptionalJSON(r, &req); err != nil {
			api.RespondBodyError(w, err)
			return
		}
		if errs := api.Validate(req); errs != nil {
			api.RespondValidationError(w, errs)
			return
		}

		id := r.PathValue("id")
		actor := middleware.Actor(r.Context(), req.Actor, "api")

		var alert *database.Alert
		var err error
		switch cmd {
		case commandAcknowledge:
			alert, err = h.engine.States.Acknowledge(id, actor)
		case commandInvestigate:
			alert, err = h.engine.States.StartInvestigating(id, actor)
		case commandResolve:
			alert, err = h.engine.States.Resolve(id, actor)
		case commandReopen:
			alert, err = h.engine.States.Reopen(id, actor)
		default:
			err = errors.New("unknown alert command")
		}
		if err != nil {
			api.RespondServiceError(w, err)
			return
		}

		status := http.StatusOK
		if cmd == commandReopen {
			status = http.StatusCreated
		}
		api.RespondJSON(w, status, h.alertResponse(alert))
	}
}

func (h *HTTPHandler) alertResponse(alert *database.Alert) api.AlertResponse {
	resp := api.AlertResponse{Alert: *alert}
	if clock, err := h.engine.SLA.Clock(alert.ID); err == nil {
		resp.SLA = clock
	}
	return resp
}
