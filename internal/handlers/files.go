package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/telhawk-systems/filegate/internal/httputil"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/middleware"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/sanitize"
)

// Download serves ?path= as an attachment.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	candidate := r.URL.Query().Get("path")
	if candidate == "" {
		httputil.WriteError(w, http.StatusBadRequest, "Missing path")
		return
	}
	h.serveFile(w, r, candidate, false)
}

// View serves /uploads/{path...}. Images are shown inline, everything else
// is forced to download.
func (h *Handler) View(w http.ResponseWriter, r *http.Request) {
	h.serveFile(w, r, r.PathValue("path"), true)
}

func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, candidate string, inlineImages bool) {
	ctx := r.Context()

	f, res := h.deps.Paths.Open(candidate)
	if !res.Valid {
		switch {
		case errors.Is(res.Err, sanitize.ErrPathTraversal):
			actor := middleware.ActorFrom(ctx)
			h.logger.Security(ctx, "path traversal attempt",
				logging.Path(candidate),
				logging.Method(r.Method),
				logging.UserID(actor.UserID),
				logging.IP(actor.IP))
			h.deps.Monitor.RecordEvent(ctx, monitor.EventPathTraversalAttempt,
				actor.Meta(map[string]string{"path": candidate}))
			httputil.WriteError(w, http.StatusForbidden, "Access denied")
		case errors.Is(res.Err, sanitize.ErrRestricted):
			actor := middleware.ActorFrom(ctx)
			h.logger.Security(ctx, "restricted file request denied",
				logging.Path(candidate), logging.IP(actor.IP))
			h.deps.Monitor.RecordEvent(ctx, monitor.EventDownloadDenied,
				actor.Meta(map[string]string{"path": candidate}))
			httputil.WriteError(w, http.StatusForbidden, "Access denied")
		case errors.Is(res.Err, sanitize.ErrNotFound), errors.Is(res.Err, sanitize.ErrNotRegularFile):
			httputil.WriteError(w, http.StatusNotFound, "File not found")
		default:
			h.logger.ErrorContext(ctx, "failed to open file", logging.Path(candidate), logging.Error(res.Err))
			httputil.WriteError(w, http.StatusInternalServerError, "Download failed")
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to stat file", logging.Path(res.SafePath), logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "Download failed")
		return
	}

	detected, err := mimetype.DetectReader(f)
	if err != nil {
		detected = mimetype.Lookup("application/octet-stream")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "Download failed")
		return
	}

	name := sanitize.Filename(filepath.Base(res.SafePath))
	disposition := "attachment"
	if inlineImages && strings.HasPrefix(detected.String(), "image/") && !detected.Is("image/svg+xml") {
		disposition = "inline"
	}

	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Type", detected.String())
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
