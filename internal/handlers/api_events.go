package handlers

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/akmatori/escalator/internal/api"
	"github.com/akmatori/escalator/internal/services"
)

// handleIngest handles POST /api/events
func (h *HTTPHandler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req api.IngestRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondBodyError(w, err)
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	result, err := h.engine.Grouping.Ingest(req.ToEvent())
	if err != nil {
		api.RespondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	api.RespondJSON(w, status, result)
}

// handleWebhook handles POST /webhook/alert/{source}
func (h *HTTPHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	adapter, err := h.registry.Get(source)
	if err != nil {
		api.RespondErrorWithCode(w, http.StatusNotFound, api.CodeNotFound, err.Error())
		return
	}

	if err := adapter.ValidateWebhookSecret(r, h.webhookSecret); err != nil {
		log.Printf("Webhook: rejected %s payload from %s: %v", source, r.RemoteAddr, err)
		api.RespondError(w, http.StatusUnauthorized, "Invalid webhook secret")
		return
	}

	body, err := api.ReadBody(w, r)
	if err != nil {
		api.RespondBodyError(w, err)
		return
	}

	evts, err := adapter.Parse(body)
	if err != nil {
		api.RespondErrorWithCode(w, http.StatusBadRequest, api.CodeInvalidEvent, err.Error())
		return
	}

	resp := api.WebhookResponse{
		Source:   adapter.GetSourceType(),
		Received: len(evts),
		Results:  []services.IngestResult{},
	}
	for _, ev := range evts {
		result, err := h.engine.Grouping.Ingest(ev)
		if err != nil {
			if !errors.Is(err, services.ErrInvalidEvent) {
				log.Printf("Webhook: failed to ingest %s event %s: %v", source, ev.Fingerprint, err)
			}
			resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", ev.Fingerprint, err))
			continue
		}
		resp.Results = append(resp.Results, *result)
	}

	status := http.StatusOK
	if len(resp.Results) == 0 && len(resp.Errors) > 0 {
		status = http.StatusUnprocessableEntity
	}
	api.RespondJSON(w, status, resp)
}

// Sources lists the webhook sources this handler accepts
func (h *HTTPHandler) Sources() []string {
	return h.registry.Sources()
}
