package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxBodySize caps API and webhook payloads. Alertmanager batches are the
// largest bodies the engine accepts.
const MaxBodySize = 1 << 20

// CodeInvalidBody marks a request whose body could not be read or decoded
const CodeInvalidBody = "invalid_body"

// BodyError is a request body that could not be used. Field is set when the
// problem is tied to one JSON field.
type BodyError struct {
	Status int
	Field  string
	msg    string
}

func (e *BodyError) Error() string { return e.msg }

func badBody(format string, args ...interface{}) *BodyError {
	return &BodyError{Status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

var errBodyTooLarge = &BodyError{
	Status: http.StatusRequestEntityTooLarge,
	msg:    fmt.Sprintf("request body exceeds maximum size of %d bytes", MaxBodySize),
}

// ReadBody reads a raw payload, enforcing MaxBodySize
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, badBody("request body is empty")
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, errBodyTooLarge
		}
		return nil, badBody("failed to read request body")
	}
	return body, nil
}

// DecodeJSON decodes a single JSON object into dst. Unknown fields and
// trailing data are rejected; errors are *BodyError.
func DecodeJSON(r *http.Request, dst interface{}) error {
	body, err := ReadBody(nil, r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return badBody("request body is empty")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return translateDecodeError(err)
	}
	if dec.More() {
		return badBody("request body must contain a single JSON object")
	}
	return nil
}

func translateDecodeError(err error) *BodyError {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return badBody("malformed JSON at position %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		e := badBody("invalid value for field %q: expected %s", typeErr.Field, typeErr.Type)
		e.Field = typeErr.Field
		return e
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		e := badBody("unknown field %q", field)
		e.Field = field
		return e
	default:
		return badBody("invalid JSON in request body")
	}
}

// DecodeOptionalJSON is DecodeJSON for endpoints whose body may be omitted.
// An empty body leaves dst untouched.
func DecodeOptionalJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return DecodeJSON(r, dst)
}

// RespondBodyError writes the status carried by a *BodyError, 400 otherwise
func RespondBodyError(w http.ResponseWriter, err error) {
	var be *BodyError
	if !errors.As(err, &be) {
		RespondErrorWithCode(w, http.StatusBadRequest, CodeInvalidBody, err.Error())
		return
	}
	resp := ErrorResponse{Error: be.msg, Code: CodeInvalidBody}
	if be.Field != "" {
		resp.Details = map[string]string{be.Field: be.msg}
	}
	RespondJSON(w, be.Status, resp)
}
