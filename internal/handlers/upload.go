package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/telhawk-systems/filegate/internal/httputil"
	"github.com/telhawk-systems/filegate/internal/intake"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/middleware"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/sanitize"
)

// Multipart framing and form fields on top of the file itself.
const multipartOverhead = 1 << 20

type UploadResponse struct {
	ID         string            `json:"id"`
	Filename   string            `json:"filename"`
	Path       string            `json:"path"`
	Size       int64             `json:"size"`
	MIMEType   string            `json:"mimetype"`
	SHA256     string            `json:"sha256"`
	ScanStatus models.ScanStatus `json:"scanStatus"`
}

// Upload accepts a multipart form with the file in field "file" and an
// optional target subdirectory in field "dir".
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.maxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize+multipartOverhead)
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	limit := h.maxUploadSize
	if limit <= 0 {
		limit = header.Size
	}
	data, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to read upload", logging.Error(err))
		httputil.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	actor := middleware.ActorFrom(ctx)
	res, err := h.deps.Uploader.Process(ctx, &models.UploadedFile{
		Data:         data,
		DeclaredMIME: header.Header.Get("Content-Type"),
		OriginalName: header.Filename,
		DeclaredSize: header.Size,
		DestDir:      r.FormValue("dir"),
		Tenant:       actor.Tenant,
	}, intake.Actor{UserID: actor.UserID, IP: actor.IP, Tenant: actor.Tenant})
	if err != nil {
		status, msg := uploadErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "upload failed", logging.Error(err))
		}
		httputil.WriteError(w, status, msg)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, UploadResponse{
		ID:         res.RecordID,
		Filename:   res.Filename,
		Path:       res.Path,
		Size:       res.Size,
		MIMEType:   res.Record.MIMEType,
		SHA256:     res.Scan.ContentHash,
		ScanStatus: res.Scan.Status,
	})
}

// uploadErrorStatus maps pipeline errors to a status and a client-safe
// message.
func uploadErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, intake.ErrNoFile):
		return http.StatusBadRequest, "No file uploaded"
	case errors.Is(err, intake.ErrEmptyFile):
		return http.StatusBadRequest, "File is empty"
	case errors.Is(err, intake.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "File too large"
	case errors.Is(err, intake.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "Unsupported file type"
	case errors.Is(err, intake.ErrQuotaExceeded):
		return http.StatusForbidden, "Storage quota exceeded"
	case errors.Is(err, intake.ErrContentRejected):
		return http.StatusBadRequest, "File rejected"
	case errors.Is(err, intake.ErrScanUnavailable):
		return http.StatusServiceUnavailable, "Scan unavailable"
	case errors.Is(err, sanitize.ErrPathTraversal), errors.Is(err, sanitize.ErrRestricted):
		return http.StatusForbidden, "Access denied"
	default:
		return http.StatusInternalServerError, "Upload failed"
	}
}
