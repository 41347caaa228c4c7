package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mind-engage/mindengage-proctor/internal/exam"
	"github.com/mind-engage/mindengage-proctor/internal/proctor"
)

var errBadJSON = errors.New("bad json")

type errorBody struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(errBadJSON, err.Error())
	}
	return validate.Struct(v)
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Code: "validation", Fields: fieldErrors(verrs)})
		return
	case errors.Is(err, errBadJSON):
		respondJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "bad_json"})
		return
	case errors.Is(err, proctor.ErrUnknownViolation):
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Code: "unknown_violation"})
		return
	}

	body := errorBody{Error: err.Error(), Code: exam.CodeOf(err)}
	switch exam.ClassOf(err) {
	case exam.ClassNotFound:
		respondJSON(w, http.StatusNotFound, body)
	case exam.ClassGuard:
		respondJSON(w, http.StatusConflict, body)
	case exam.ClassIntegrity:
		respondJSON(w, http.StatusUnprocessableEntity, body)
	default:
		loggerFrom(r.Context()).Error("request failed", zap.Error(err))
		respondJSON(w, http.StatusInternalServerError, errorBody{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

func forbidden(w http.ResponseWriter) {
	respondJSON(w, http.StatusForbidden, errorBody{Error: "forbidden", Code: "forbidden"})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return v
	}
	return def
}
