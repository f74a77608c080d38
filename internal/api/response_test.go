package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	RespondJSON(w, http.StatusCreated, map[string]interface{}{"alert_id": "a1", "is_new": true})

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["alert_id"] != "a1" || got["is_new"] != true {
		t.Errorf("body = %v", got)
	}

	w = httptest.NewRecorder()
	RespondJSON(w, http.StatusAccepted, nil)
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body for nil data, got %q", w.Body.String())
	}
}

func TestRespondErrors(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, http.StatusUnauthorized, "Invalid API key")
	resp := decodeError(t, w)
	if w.Code != http.StatusUnauthorized || resp.Error != "Invalid API key" || resp.Code != "" {
		t.Errorf("RespondError: %d %+v", w.Code, resp)
	}
	if strings.Contains(w.Body.String(), `"code"`) || strings.Contains(w.Body.String(), `"details"`) {
		t.Errorf("empty fields should be omitted: %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	RespondErrorWithCode(w, http.StatusNotFound, CodeNoCoverage, "nobody is on call for dba")
	resp = decodeError(t, w)
	if w.Code != http.StatusNotFound || resp.Code != CodeNoCoverage {
		t.Errorf("RespondErrorWithCode: %d %+v", w.Code, resp)
	}

	w = httptest.NewRecorder()
	RespondValidationError(w, map[string]string{"severity": "must be one of critical high medium low"})
	resp = decodeError(t, w)
	if w.Code != http.StatusUnprocessableEntity || resp.Code != CodeValidation || resp.Details["severity"] == "" {
		t.Errorf("RespondValidationError: %d %+v", w.Code, resp)
	}
}

func TestRespondNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	RespondNoContent(w)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}
