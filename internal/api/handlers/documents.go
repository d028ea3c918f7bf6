package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Harshitk-cp/coursegraph/internal/api/middleware"
	"github.com/Harshitk-cp/coursegraph/internal/domain"
	"go.uber.org/zap"
)

const maxDocumentBytes = 8 << 20

type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, doc domain.Document) (*domain.DocumentReport, error)
}

type DocumentHandler struct {
	pipeline DocumentProcessor
	logger   *zap.Logger
}

func NewDocumentHandler(pipeline DocumentProcessor, logger *zap.Logger) *DocumentHandler {
	return &DocumentHandler{pipeline: pipeline, logger: logger}
}

type processDocumentResponse struct {
	*domain.DocumentReport
	Error string `json:"error,omitempty"`
}

// Process runs one document through extraction, resolution and merge and
// returns the per-document report. The report is returned even when the
// document fails, so callers can see what was applied before the failure.
func (h *DocumentHandler) Process(w http.ResponseWriter, r *http.Request) {
	var doc domain.Document
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(doc.Spans) == 0 {
		writeError(w, http.StatusBadRequest, "spans are required")
		return
	}

	report, err := h.pipeline.ProcessDocument(r.Context(), doc)
	if err == nil {
		writeJSON(w, http.StatusOK, processDocumentResponse{DocumentReport: report})
		return
	}

	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindMalformedInput:
		status = http.StatusBadRequest
	case domain.KindConsistencyViolation:
		status = http.StatusConflict
		middleware.LoggerFromContext(r.Context(), h.logger).Error("document hit a consistency violation",
			zap.String("document_id", doc.ID),
			zap.Error(err))
	case domain.KindCanceled:
		status = http.StatusServiceUnavailable
	case domain.KindTransientDependency:
		status = http.StatusServiceUnavailable
	}
	if report == nil {
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, status, processDocumentResponse{DocumentReport: report, Error: err.Error()})
}
