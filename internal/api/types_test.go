package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/database"
	"github.com/akmatori/escalator/internal/services"
)

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"transition", &services.TransitionError{AlertID: "a1", From: database.AlertStateResolved, To: database.AlertStateAcknowledged}, http.StatusConflict, CodeInvalidTransition},
		{"not found", fmt.Errorf("%w: a1", services.ErrAlertNotFound), http.StatusNotFound, CodeNotFound},
		{"record not found", gorm.ErrRecordNotFound, http.StatusNotFound, CodeNotFound},
		{"no coverage", fmt.Errorf("%w: role dba", services.ErrNoCoverage), http.StatusNotFound, CodeNoCoverage},
		{"invalid event", fmt.Errorf("%w: fingerprint is required", services.ErrInvalidEvent), http.StatusBadRequest, CodeInvalidEvent},
		{"override", fmt.Errorf("%w: must end after it starts", services.ErrInvalidOverride), http.StatusBadRequest, CodeValidation},
		{"resolved", services.ErrAlertResolved, http.StatusConflict, CodeAlertResolved},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			RespondServiceError(w, tt.err)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Code != tt.wantBody {
				t.Errorf("code = %q, want %q", resp.Code, tt.wantBody)
			}
		})
	}
}

func TestRespondServiceError_TransitionDetails(t *testing.T) {
	w := httptest.NewRecorder()
	RespondServiceError(w, &services.TransitionError{AlertID: "a1", From: database.AlertStateResolved, To: database.AlertStateAcknowledged})

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Details["from"] != "resolved" || resp.Details["to"] != "acknowledged" {
		t.Errorf("details = %v", resp.Details)
	}
}

func TestRespondServiceError_HidesInternalMessage(t *testing.T) {
	w := httptest.NewRecorder()
	RespondServiceError(w, errors.New("password=hunter2"))
	if strings.Contains(w.Body.String(), "hunter2") {
		t.Errorf("internal error leaked: %s", w.Body.String())
	}
}

func TestNewPage(t *testing.T) {
	p := PaginationParams{Page: 2, PerPage: 10}
	page := NewPage[string](p, nil, 25)
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("nil items should become empty list, got %#v", page.Items)
	}
	if page.TotalPages != 3 || page.Page != 2 || page.PerPage != 10 || page.Total != 25 {
		t.Errorf("page = %+v", page)
	}

	data, _ := json.Marshal(page)
	if !strings.Contains(string(data), `"items":[]`) {
		t.Errorf("json = %s", data)
	}
}

func TestDecodeOptionalJSON(t *testing.T) {
	var dst TransitionRequest
	r := httptest.NewRequest(http.MethodPost, "/api/alerts/a1/acknowledge", nil)
	if err := DecodeOptionalJSON(r, &dst); err != nil || dst.Actor != "" {
		t.Errorf("empty body: err=%v actor=%q", err, dst.Actor)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/alerts/a1/acknowledge", strings.NewReader(`{"actor":"alice"}`))
	if err := DecodeOptionalJSON(r, &dst); err != nil || dst.Actor != "alice" {
		t.Errorf("with body: err=%v actor=%q", err, dst.Actor)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/alerts/a1/acknowledge", strings.NewReader(`{"actor":`))
	if err := DecodeOptionalJSON(r, &dst); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestIngestRequest_ToEvent(t *testing.T) {
	ts := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	ev := IngestRequest{Fingerprint: "  db-01:disk ", Severity: "P1", Source: "grafana", Timestamp: ts, Category: "database"}.ToEvent()
	if ev.Fingerprint != "db-01:disk" || ev.Severity != "P1" || ev.Source != "grafana" || !ev.Timestamp.Equal(ts) || ev.Category != "database" {
		t.Errorf("event = %+v", ev)
	}
}

func TestOverrideRequest_ToInput(t *testing.T) {
	start := time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
	in := OverrideRequest{Role: "primary", Person: "dave", StartsAt: start, EndsAt: start.Add(time.Hour), Reason: "swap"}.ToInput("admin")
	if in.CreatedBy != "admin" || in.Person != "dave" || in.Reason != "swap" || !in.EndsAt.Equal(start.Add(time.Hour)) {
		t.Errorf("input = %+v", in)
	}
}

func TestUpdateEngineSettingsRequest_Apply(t *testing.T) {
	s := database.EngineSettings{FlapWindowMinutes: 10, GroupingWindowMinutes: 5, TickIntervalSeconds: 15, OnCallCacheTTLSeconds: 60}
	tick := 5
	UpdateEngineSettingsRequest{TickIntervalSeconds: &tick}.Apply(&s)
	if s.TickIntervalSeconds != 5 || s.FlapWindowMinutes != 10 || s.GroupingWindowMinutes != 5 || s.OnCallCacheTTLSeconds != 60 {
		t.Errorf("settings = %+v", s)
	}
}

func TestSlackSettings_ApplyAndMask(t *testing.T) {
	s := database.SlackSettings{BotToken: "xoxb-old", FallbackChannel: "#ops", Enabled: true}
	disabled := false
	app := "xapp-1"
	UpdateSlackSettingsRequest{AppToken: &app, Enabled: &disabled}.Apply(&s)
	if s.BotToken != "xoxb-old" || s.AppToken != "xapp-1" || s.Enabled {
		t.Errorf("settings = %+v", s)
	}

	resp := NewSlackSettingsResponse(&s)
	data, _ := json.Marshal(resp)
	if strings.Contains(string(data), "xoxb") || strings.Contains(string(data), "xapp") {
		t.Errorf("tokens leaked: %s", data)
	}
	if !resp.BotTokenSet || !resp.AppTokenSet || resp.FallbackChannel != "#ops" {
		t.Errorf("resp = %+v", resp)
	}
}
