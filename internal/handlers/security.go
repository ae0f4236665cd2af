package handlers

import (
	"net/http"
	"path/filepath"

	"github.com/telhawk-systems/filegate/internal/httputil"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
)

func (h *Handler) UserActivity(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.deps.Monitor.UserActivitySummary(r.PathValue("id")))
}

func (h *Handler) IPActivity(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.deps.Monitor.IPActivitySummary(r.PathValue("ip")))
}

func (h *Handler) SecuritySummary(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.deps.Monitor.DailySummary())
}

type QuarantineItem struct {
	Name     string                    `json:"name"`
	Size     int64                     `json:"size"`
	Manifest models.QuarantineManifest `json:"manifest"`
}

type QuarantineListResponse struct {
	Items []QuarantineItem `json:"items"`
	Count int              `json:"count"`
}

// QuarantineList returns quarantined files newest first, with paths reduced
// to the file name. ?limit= caps the result.
func (h *Handler) QuarantineList(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.Quarantine.List(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list quarantine", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Failed to list quarantine")
		return
	}

	if limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 0); limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	items := make([]QuarantineItem, 0, len(records))
	for _, rec := range records {
		items = append(items, QuarantineItem{
			Name:     filepath.Base(rec.Path),
			Size:     rec.Size,
			Manifest: rec.Manifest,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, QuarantineListResponse{Items: items, Count: len(items)})
}
