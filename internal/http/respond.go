package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"matebot/internal/core"
	applog "matebot/internal/log"
)

const maxBodyBytes = 64 << 10

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, core.ErrForbidden), errors.Is(err, core.ErrInactiveUser):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, core.ErrAlreadyClosed):
		return http.StatusConflict, "already_closed"
	case errors.Is(err, core.ErrDuplicateActiveOperation):
		return http.StatusConflict, "duplicate_active_operation"
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, core.ErrNegativeExternalCount):
		return http.StatusUnprocessableEntity, "negative_external_count"
	case errors.Is(err, core.ErrEmptyOperation):
		return http.StatusUnprocessableEntity, "empty_operation"
	case errors.Is(err, core.ErrInvalidTransfer):
		return http.StatusUnprocessableEntity, "invalid_transfer"
	case core.IsValidation(err):
		return http.StatusUnprocessableEntity, "validation_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			applog.FieldError, err,
			applog.FieldPath, r.URL.Path)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := parseID(chi.URLParam(r, name))
	if err != nil {
		return 0, fmt.Errorf("%w (%s)", err, name)
	}
	return id, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", errBadRequest, raw)
	}
	return id, nil
}
