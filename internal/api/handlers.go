package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/davidahmann/surmed/internal/auth"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/internal/export"
	"github.com/davidahmann/surmed/internal/intake"
	"github.com/davidahmann/surmed/internal/ledger"
	"github.com/davidahmann/surmed/internal/review"
	"github.com/davidahmann/surmed/pkg/types"
)

const maxBodyBytes = 32 << 20

type Handler struct {
	Auth    auth.Authenticator
	Service *review.Service
	Logger  *slog.Logger

	// Signer, when set, adds a signed checkpoint to zip exports.
	Signer ledger.Signer
}

type actorKey struct{}

func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := h.Auth.Authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) types.Actor {
	actor, _ := r.Context().Value(actorKey{}).(types.Actor)
	return actor
}

type submissionView struct {
	Submission types.Submission    `json:"submission"`
	Status     review.SupplyStatus `json:"status"`
}

func (h *Handler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	var req intake.Request
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.Service.Submit(r.Context(), req, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, submissionView{Submission: sub, Status: review.StatusPendingInitial})
}

// ListSubmissions serves the review queue, filtered by the status, category
// and search query parameters.
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subs, err := h.Service.ListSubmissions(r.Context(), review.SubmissionQuery{
		Status:   review.SupplyStatus(q.Get("status")),
		Category: q.Get("category"),
		Search:   q.Get("search"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs, "count": len(subs)})
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.Service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status, err := h.Service.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submissionView{Submission: sub, Status: status})
}

func (h *Handler) Assessment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Service.Assess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req review.DecisionRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := h.Service.Decide(r.Context(), chi.URLParam(r, "id"), req, actorFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	history, err := h.Service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"submission_id": id,
		"status":        review.StatusOf(history),
		"decisions":     history,
	})
}

func (h *Handler) ReasonCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Service.ReasonCodes(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reason_codes": codes})
}

// Verify always answers 200; a broken chain is a result, not a failure of
// the request.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.Verify(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Activity(w http.ResponseWriter, r *http.Request) {
	log, err := h.Service.Activity(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": log, "count": len(log)})
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.Service.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

var exportContentTypes = map[string]string{
	export.FormatCSV: "text/csv; charset=utf-8",
	export.FormatPDF: "application/pdf",
	export.FormatZip: "application/zip",
}

// Export renders the whole response before writing so a refused export
// never produces a partial body.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = export.FormatCSV
	}
	contentType, ok := exportContentTypes[format]
	if !ok {
		h.writeError(w, r, errs.Invalid("format", "must be csv, pdf or zip, got %q", format))
		return
	}

	in, err := h.Service.ExportInput(r.Context(), export.Filter{
		From:   q.Get("date_from"),
		To:     q.Get("date_to"),
		Type:   types.DecisionType(q.Get("decision_type")),
		Search: q.Get("search"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	in.Signer = h.Signer

	var body []byte
	switch format {
	case export.FormatCSV, export.FormatPDF:
		var buf bytes.Buffer
		if format == export.FormatCSV {
			err = export.WriteCSV(&buf, in)
		} else {
			err = export.WritePDF(&buf, in)
		}
		body = buf.Bytes()
	case export.FormatZip:
		body, err = export.BuildZip(in)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	// An export that cannot be logged is not served.
	rows, err := in.Rows()
	if err == nil {
		err = h.Service.RecordExport(r.Context(), actorFrom(r), format, in.Filter, len(rows))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	filename := fmt.Sprintf("surmed-audit-%s.%s", in.GeneratedAt.UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
