package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"github.com/Harshitk-cp/coursegraph/internal/journal"
	"github.com/Harshitk-cp/coursegraph/internal/pipeline"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type JournalAdmin interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.MutationRecord, error)
	RetryDue(ctx context.Context) (int, error)
	Redrive(ctx context.Context, mutationID uuid.UUID) error
	Stats() journal.Stats
}

type DeferredQueue interface {
	DrainDeferred(ctx context.Context) (pipeline.DrainResult, error)
	DeferredStats() pipeline.DeferredStats
}

type JournalHandler struct {
	journal  JournalAdmin
	deferred DeferredQueue
}

func NewJournalHandler(j JournalAdmin, deferred DeferredQueue) *JournalHandler {
	return &JournalHandler{journal: j, deferred: deferred}
}

type deadLettersResponse struct {
	DeadLetters []domain.MutationRecord `json:"dead_letters"`
	Count       int                     `json:"count"`
}

func (h *JournalHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := h.journal.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to list dead letters")
		return
	}
	if records == nil {
		records = []domain.MutationRecord{}
	}
	writeJSON(w, http.StatusOK, deadLettersResponse{DeadLetters: records, Count: len(records)})
}

type retryResponse struct {
	Applied  int                  `json:"applied"`
	Deferred pipeline.DrainResult `json:"deferred"`
	Journal  journal.Stats        `json:"journal"`
}

// Retry runs one pass of due journal retries and deferred resolutions
// without waiting for the background tickers.
func (h *JournalHandler) Retry(w http.ResponseWriter, r *http.Request) {
	applied, err := h.journal.RetryDue(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	drained, err := h.deferred.DrainDeferred(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Applied: applied, Deferred: drained, Journal: h.journal.Stats()})
}

func (h *JournalHandler) Redrive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mutation id")
		return
	}

	err = h.journal.Redrive(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"mutation_id": id, "journal": h.journal.Stats()})
	case errors.Is(err, journal.ErrNotDeadLettered):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

type deferredResponse struct {
	pipeline.DeferredStats
}

func (h *JournalHandler) Deferred(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, deferredResponse{DeferredStats: h.deferred.DeferredStats()})
}
