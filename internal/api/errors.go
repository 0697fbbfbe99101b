package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/surmed/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Field string `json:"field,omitempty"`
	Index *int   `json:"first_invalid_index,omitempty"`
}

// classify maps an error to its HTTP status and response body.
func classify(err error) (int, errorBody) {
	var (
		ve *errs.ValidationError
		ie *errs.IntegrityError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Error: err.Error(), Kind: "validation", Field: ve.Field}
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error(), Kind: "not_found"}
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: err.Error(), Kind: "forbidden"}
	case errors.Is(err, errs.ErrAlreadyExists):
		return http.StatusConflict, errorBody{Error: err.Error(), Kind: "already_exists"}
	case errors.As(err, &ie):
		body := errorBody{Error: err.Error(), Kind: string(ie.Kind)}
		if ie.Kind == errs.ChainDivergence {
			idx := ie.Index
			body.Index = &idx
		}
		return http.StatusConflict, body
	case errs.IsConfiguration(err):
		return http.StatusInternalServerError, errorBody{Error: err.Error(), Kind: "configuration"}
	default:
		return http.StatusInternalServerError, errorBody{Error: "internal error", Kind: "internal"}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError || body.Kind == string(errs.ChainDivergence) {
		h.logger().Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Int("status", status),
			slog.Any("err", errs.Loggable(err)))
	}
	writeJSON(w, status, body)
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
