package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"gorm.io/gorm"

	"github.com/akmatori/escalator/internal/services"
)

// Machine-readable error codes returned in ErrorResponse.Code
const (
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeNoCoverage        = "no_coverage"
	CodeInvalidEvent      = "invalid_event"
	CodeAlertResolved     = "alert_resolved"
	CodeValidation        = "validation_error"
	CodeInternal          = "internal_error"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Code    string            `json:"code,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RespondJSON writes data as a JSON response with the given status code.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("Failed to encode JSON response: %v", err)
		}
	}
}

// RespondError writes a standard error response.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message})
}

// RespondErrorWithCode writes an error response with a machine-readable code.
func RespondErrorWithCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondValidationError writes field-level validation errors as a 422 response.
func RespondValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	RespondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
		Error:   "Validation failed",
		Code:    CodeValidation,
		Details: fieldErrors,
	})
}

// RespondServiceError maps engine errors to HTTP status codes. Unknown
// errors are logged and reported as 500 without leaking details.
func RespondServiceError(w http.ResponseWriter, err error) {
	var te *services.TransitionError
	switch {
	case errors.As(err, &te):
		RespondJSON(w, http.StatusConflict, ErrorResponse{
			Error: err.Error(),
			Code:  CodeInvalidTransition,
			Details: map[string]string{
				"from": string(te.From),
				"to":   string(te.To),
			},
		})
	case errors.Is(err, services.ErrInvalidTransition):
		RespondErrorWithCode(w, http.StatusConflict, CodeInvalidTransition, err.Error())
	case errors.Is(err, services.ErrAlertNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		RespondErrorWithCode(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, services.ErrNoCoverage):
		RespondErrorWithCode(w, http.StatusNotFound, CodeNoCoverage, err.Error())
	case errors.Is(err, services.ErrInvalidEvent):
		RespondErrorWithCode(w, http.StatusBadRequest, CodeInvalidEvent, err.Error())
	case errors.Is(err, services.ErrInvalidOverride):
		RespondErrorWithCode(w, http.StatusBadRequest, CodeValidation, err.Error())
	case errors.Is(err, services.ErrAlertResolved):
		RespondErrorWithCode(w, http.StatusConflict, CodeAlertResolved, err.Error())
	default:
		log.Printf("API: internal error: %v", err)
		RespondErrorWithCode(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

// RespondNoContent writes a 204 No Content response with no body.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
