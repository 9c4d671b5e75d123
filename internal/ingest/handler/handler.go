package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/publisher"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/store"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/validator"
	apperrors "github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
)

type Handler struct {
	store     *store.Store
	publisher *publisher.Publisher
	maxChunk  int64
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(st *store.Store, pub *publisher.Publisher, maxChunk int64, mt *metrics.Metrics) *Handler {
	return &Handler{
		store:     st,
		publisher: pub,
		maxChunk:  maxChunk,
		metrics:   mt,
		logger:    slog.Default().With("component", "ingest-handler"),
	}
}

// Routes registers the upload API on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/v1/uploads/{id}/chunks", h.PutChunk)
	mux.HandleFunc("POST /api/v1/uploads/{id}/finalize", h.Finalize)
	mux.HandleFunc("DELETE /api/v1/uploads/{id}", h.Abort)
	mux.HandleFunc("GET /api/v1/uploads/{id}", h.Status)
}

func (h *Handler) PutChunk(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logger.WithSessionID(r.Context(), id)
	log := logger.FromContext(ctx)

	offset, err := validator.ParseOffset(r.URL.Query().Get("offset"))
	if err != nil {
		h.writeValidation(w, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxChunk))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "chunk exceeds %d bytes", h.maxChunk)
			return
		}
		h.writeError(w, http.StatusBadRequest, "reading chunk: %v", err)
		return
	}

	res, err := h.store.WriteChunk(ctx, id, offset, data)
	if err != nil {
		h.metrics.ObserveIngest("rejected", 0)
		statusCode := apperrors.HTTPStatusCode(err)
		log.Warn("chunk refused", "offset", offset, "size", len(data), "status_code", statusCode, "error", err)
		h.writeError(w, statusCode, "%v", err)
		return
	}
	outcome := "appended"
	if res.Duplicate {
		outcome = "duplicate"
	}
	h.metrics.ObserveIngest(outcome, res.Written)
	log.Debug("chunk accepted", "offset", offset, "size", len(data), "outcome", outcome)
	h.writeJSON(w, http.StatusOK, ingest.ChunkResponse{UploadID: id, Offset: res.Offset, Duplicate: res.Duplicate})
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logger.WithSessionID(r.Context(), id)
	log := logger.FromContext(ctx)

	var req ingest.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validator.ValidateFinalizeRequest(&req); err != nil {
		h.writeValidation(w, err)
		return
	}
	resp, err := h.publisher.Finalize(ctx, id, &req)
	if err != nil {
		statusCode := apperrors.HTTPStatusCode(err)
		log.Error("finalize failed", "error", err, "status_code", statusCode)
		h.writeError(w, statusCode, "%v", err)
		return
	}
	log.Info("upload imported", "unit_id", resp.UnitID, "size", resp.Size)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logger.WithSessionID(r.Context(), id)
	if err := h.publisher.Abort(ctx, id); err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), "%v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := h.store.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), "%v", err)
		return
	}
	state := ingest.StatePartial
	if info.Complete {
		state = ingest.StateComplete
	}
	h.writeJSON(w, http.StatusOK, ingest.StatusResponse{UploadID: id, Offset: info.Offset, State: state})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return
	}
	h.writeError(w, http.StatusBadRequest, "%v", err)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, format string, args ...any) {
	h.writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}
