package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/filegate/internal/intake"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/sanitize"
)

type stubUploader struct {
	err  error
	got  *models.UploadedFile
	call int
}

func (s *stubUploader) Process(ctx context.Context, file *models.UploadedFile, actor intake.Actor) (*intake.Result, error) {
	s.call++
	s.got = file
	if s.err != nil {
		return nil, s.err
	}
	return &intake.Result{
		State:    intake.StateAccepted,
		Filename: "1-abc-" + file.OriginalName,
		Path:     "/srv/uploads/1-abc-" + file.OriginalName,
		Size:     int64(len(file.Data)),
		RecordID: "rec-1",
		Record:   &models.AcceptedFile{MIMEType: "text/plain"},
		Scan:     &models.ScanResult{Status: models.ScanClean, ContentHash: "deadbeef"},
	}, nil
}

type nopMonitor struct{ events []models.EventType }

func (m *nopMonitor) RecordEvent(ctx context.Context, t models.EventType, meta monitor.Meta) *models.Alert {
	m.events = append(m.events, t)
	return nil
}
func (m *nopMonitor) UserActivitySummary(string) models.ActivitySummary { return models.ActivitySummary{} }
func (m *nopMonitor) IPActivitySummary(string) models.ActivitySummary   { return models.ActivitySummary{} }
func (m *nopMonitor) DailySummary() models.DailySummary                 { return models.DailySummary{} }

type failingLister struct{}

func (failingLister) List(context.Context) ([]models.QuarantineRecord, error) {
	return nil, errors.New("disk on fire")
}

func uploadRequest(t *testing.T, name string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("dir", "reports"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{intake.ErrNoFile, http.StatusBadRequest, "No file uploaded"},
		{intake.ErrEmptyFile, http.StatusBadRequest, "File is empty"},
		{intake.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "File too large"},
		{intake.ErrUnsupportedType, http.StatusUnsupportedMediaType, "Unsupported file type"},
		{intake.ErrQuotaExceeded, http.StatusForbidden, "Storage quota exceeded"},
		{fmt.Errorf("%w: Eicar", intake.ErrContentRejected), http.StatusBadRequest, "File rejected"},
		{fmt.Errorf("%w: timeout", intake.ErrScanUnavailable), http.StatusServiceUnavailable, "Scan unavailable"},
		{fmt.Errorf("create upload dir: %w", sanitize.ErrPathTraversal), http.StatusForbidden, "Access denied"},
		{sanitize.ErrRestricted, http.StatusForbidden, "Access denied"},
		{errors.New("disk full"), http.StatusInternalServerError, "Upload failed"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			status, msg := uploadErrorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.msg, msg)
		})
	}
}

func TestUpload_PassesFormToPipeline(t *testing.T) {
	up := &stubUploader{}
	h := New(Deps{Uploader: up, Monitor: &nopMonitor{}}, 1<<20, logging.Discard())

	rec := httptest.NewRecorder()
	h.Upload(rec, uploadRequest(t, "a.txt", []byte("hello")))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, up.got)
	assert.Equal(t, "a.txt", up.got.OriginalName)
	assert.Equal(t, "reports", up.got.DestDir)
	assert.Equal(t, []byte("hello"), up.got.Data)

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rec-1", resp.ID)
	assert.Equal(t, "deadbeef", resp.SHA256)
	assert.Equal(t, "text/plain", resp.MIMEType)
}

func TestUpload_InternalErrorIsGeneric(t *testing.T) {
	up := &stubUploader{err: errors.New("pq: relation uploaded_files does not exist")}
	h := New(Deps{Uploader: up, Monitor: &nopMonitor{}}, 1<<20, logging.Discard())

	rec := httptest.NewRecorder()
	h.Upload(rec, uploadRequest(t, "a.txt", []byte("hello")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "uploaded_files")
}

func TestUpload_MissingFileField(t *testing.T) {
	up := &stubUploader{}
	h := New(Deps{Uploader: up, Monitor: &nopMonitor{}}, 1<<20, logging.Discard())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("dir", "x"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	h.Upload(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, up.call)
}

func TestUpload_BodyLimit(t *testing.T) {
	up := &stubUploader{}
	h := New(Deps{Uploader: up, Monitor: &nopMonitor{}}, 16, logging.Discard())

	rec := httptest.NewRecorder()
	h.Upload(rec, uploadRequest(t, "big.bin", bytes.Repeat([]byte("x"), 2<<20)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, up.call)
}

func TestReady(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("dial tcp 10.0.0.5:3310: refused") }

	tests := []struct {
		name   string
		checks []Check
		code   int
		status string
	}{
		{"all ok", []Check{{Name: "scanner", Critical: true, Probe: ok}}, http.StatusOK, "ready"},
		{"degraded", []Check{
			{Name: "scanner", Critical: true, Probe: ok},
			{Name: "ratelimit", Probe: fail},
		}, http.StatusOK, "degraded"},
		{"critical failure", []Check{
			{Name: "ratelimit", Probe: fail},
			{Name: "scanner", Critical: true, Probe: fail},
		}, http.StatusServiceUnavailable, "not ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Deps{Checks: tt.checks}, 0, logging.Discard())
			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.code, rec.Code)
			var resp ReadyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.NotContains(t, rec.Body.String(), "10.0.0.5")
		})
	}
}

func TestQuarantineList_ErrorIsGeneric(t *testing.T) {
	h := New(Deps{Quarantine: failingLister{}}, 0, logging.Discard())
	rec := httptest.NewRecorder()
	h.QuarantineList(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quarantine", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "fire")
}

func TestView_HiddenSegmentRecordsEvent(t *testing.T) {
	paths, err := sanitize.NewValidator(t.TempDir())
	require.NoError(t, err)
	mon := &nopMonitor{}
	h := New(Deps{Paths: paths, Monitor: mon}, 0, logging.Discard())

	req := httptest.NewRequest(http.MethodGet, "/uploads/.git/config", nil)
	req.SetPathValue("path", ".git/config")
	rec := httptest.NewRecorder()
	h.View(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, []models.EventType{monitor.EventDownloadDenied}, mon.events)
}

func TestDownload_HiddenSegmentRecordsEvent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".quarantine"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".quarantine", "x.txt"), []byte("payload"), 0o600))
	paths, err := sanitize.NewValidator(root)
	require.NoError(t, err)
	mon := &nopMonitor{}
	h := New(Deps{Paths: paths, Monitor: mon}, 0, logging.Discard())

	rec := httptest.NewRecorder()
	h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files/download?path=.quarantine/x.txt", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotContains(t, rec.Body.String(), "payload")
	assert.Equal(t, []models.EventType{monitor.EventDownloadDenied}, mon.events)
}
