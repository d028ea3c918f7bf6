package handlers

import (
	"context"
	"net/http"
	"net/url"

	"github.com/Harshitk-cp/coursegraph/internal/resolve"
	"github.com/go-chi/chi/v5"
)

type QuarantineAdmin interface {
	Quarantined(ctx context.Context) ([]resolve.QuarantineEntry, error)
	Release(ctx context.Context, key string) (bool, error)
}

type QuarantineHandler struct {
	admin QuarantineAdmin
}

func NewQuarantineHandler(admin QuarantineAdmin) *QuarantineHandler {
	return &QuarantineHandler{admin: admin}
}

type quarantineResponse struct {
	Entries []resolve.QuarantineEntry `json:"entries"`
	Count   int                       `json:"count"`
}

func (h *QuarantineHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.admin.Quarantined(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "graph unavailable")
		return
	}
	if entries == nil {
		entries = []resolve.QuarantineEntry{}
	}
	writeJSON(w, http.StatusOK, quarantineResponse{Entries: entries, Count: len(entries)})
}

// Release lifts a quarantine. The path segment is a normalized key or an
// entity id.
func (h *QuarantineHandler) Release(w http.ResponseWriter, r *http.Request) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}

	released, err := h.admin.Release(r.Context(), key)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "graph unavailable")
		return
	}
	if !released {
		writeError(w, http.StatusNotFound, "not quarantined")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
