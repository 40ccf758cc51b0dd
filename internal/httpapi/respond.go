package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"wabulk/internal/model"
	logx "wabulk/pkg/logx"
)

const maxBody = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps the domain taxonomy onto HTTP.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, model.ErrAlreadyRunning):
		return http.StatusConflict, "already_running"
	case errors.Is(err, model.ErrEmptyAudience):
		return http.StatusUnprocessableEntity, "empty_audience"
	case errors.Is(err, model.ErrResolution):
		return http.StatusServiceUnavailable, "resolution_failure"
	case errors.Is(err, model.ErrGatewayUnavailable):
		return http.StatusBadGateway, "gateway_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	body := errorBody{Error: code, Message: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if status == http.StatusInternalServerError {
		logx.FromContext(r.Context(), s.log).Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		body.Message = "internal error"
	}
	writeJSON(w, status, body)
}

// decode reads a single JSON object, rejecting unknown fields.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return model.Invalid("body", err.Error())
	}
	if dec.More() {
		return model.Invalid("body", "trailing data after JSON object")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, model.Invalid(key, fmt.Sprintf("not a non-negative integer: %q", raw))
	}
	return n, nil
}

// paging reads page (from 1) and limit (default 50, at most 500).
func paging(r *http.Request) (page, limit int, err error) {
	if page, err = queryInt(r, "page", 1); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(r, "limit", 50); err != nil {
		return 0, 0, err
	}
	if page < 1 {
		page = 1
	}
	if limit == 0 || limit > 500 {
		limit = 50
	}
	return page, limit, nil
}

type listBody[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}
