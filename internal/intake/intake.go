// Package intake runs an uploaded file through validation, staging,
// scanning and the accept-or-quarantine branch. Files are staged outside the
// served tree and only moved into it once accepted.
package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/metrics"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/quarantine"
	"github.com/telhawk-systems/filegate/internal/repository"
	"github.com/telhawk-systems/filegate/internal/sanitize"
	"github.com/telhawk-systems/filegate/internal/scanner"
)

var (
	ErrNoFile          = errors.New("no file uploaded")
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrQuotaExceeded   = errors.New("storage quota exceeded")
	ErrContentRejected = errors.New("file rejected")
	ErrScanUnavailable = errors.New("scan unavailable")
)

// State is the position of an upload in the pipeline.
type State string

const (
	StateReceived    State = "received"
	StateScanning    State = "scanning"
	StateAccepted    State = "accepted"
	StateQuarantined State = "quarantined"
	StateRejected    State = "rejected"
	StateFailed      State = "failed"
)

// Actor is the identity the gateway attached to the request.
type Actor struct {
	UserID string
	IP     string
	Tenant string
}

func (a Actor) meta(attrs map[string]string) monitor.Meta {
	return monitor.Meta{UserID: a.UserID, IP: a.IP, Attrs: attrs}
}

// Result describes what happened to one upload. Path and QuarantinePath are
// operator data and must not be sent to clients verbatim.
type Result struct {
	State          State
	Filename       string
	Path           string
	DetectedMIME   string
	Size           int64
	Scan           *models.ScanResult
	RecordID       string
	Record         *models.AcceptedFile
	QuarantinePath string
}

// Quarantiner moves rejected files out of the upload tree.
type Quarantiner interface {
	Move(ctx context.Context, req quarantine.Request) (string, error)
}

// EventRecorder receives security events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, t models.EventType, meta monitor.Meta) *models.Alert
}

// Options are the upload constraints.
type Options struct {
	MaxSize             int64
	AllowedMIMETypes    []string
	AllowedExtensions   []string
	DeniedDetectedTypes []string
	TenantQuotaBytes    int64
	// StagingDir defaults to <upload root>/.staging.
	StagingDir string
}

// OptionsFromConfig converts the uploads config section.
func OptionsFromConfig(cfg config.UploadsConfig) Options {
	return Options{
		MaxSize:             cfg.MaxSize,
		AllowedMIMETypes:    cfg.AllowedMIMETypes,
		AllowedExtensions:   cfg.AllowedExtensions,
		DeniedDetectedTypes: cfg.DeniedDetectedTypes,
		TenantQuotaBytes:    cfg.TenantQuotaBytes,
		StagingDir:          cfg.Staging(),
	}
}

// Deps are the collaborators of a Service. Usage is optional and only
// consulted when a tenant quota is configured.
type Deps struct {
	Paths      *sanitize.Validator
	Scanner    scanner.Scanner
	Quarantine Quarantiner
	Acceptor   repository.Acceptor
	Usage      repository.UsageReader
	Monitor    EventRecorder
}

type Service struct {
	opts    Options
	deps    Deps
	staging string
	logger  *logging.Logger
	now    func() time.Time
	suffix func() string
	remove func(string) error
}

func NewService(deps Deps, opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	staging := opts.StagingDir
	if staging == "" && deps.Paths != nil {
		staging = filepath.Join(deps.Paths.Base(), ".staging")
	}
	return &Service{
		opts:    opts,
		deps:    deps,
		staging: staging,
		logger:  logger,
		now:     time.Now,
		suffix:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] },
		remove:  os.Remove,
	}
}

// Process handles one upload. The returned Result is non-nil whenever file
// was non-nil, including on error, and records how far the upload got.
func (s *Service) Process(ctx context.Context, file *models.UploadedFile, actor Actor) (*Result, error) {
	if file == nil {
		return nil, ErrNoFile
	}
	res := &Result{State: StateReceived, Size: int64(len(file.Data))}

	if err := s.checkInput(ctx, file, actor, res); err != nil {
		res.State = StateRejected
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return res, err
	}

	dir, err := s.deps.Paths.Dir(file.DestDir)
	if err != nil {
		return res, s.destinationRejected(ctx, file, actor, res, err)
	}

	staged, err := s.stage(file, res)
	if err != nil {
		res.State = StateFailed
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		s.logger.ErrorContext(ctx, "failed to stage upload", logging.Error(err))
		return res, err
	}

	res.State = StateScanning
	scan, err := s.scan(ctx, staged)
	if err != nil {
		s.cleanup(ctx, staged, "scan could not start")
		res.State = StateFailed
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return res, err
	}
	res.Scan = scan

	if scan.Rejected() {
		return res, s.reject(ctx, file, actor, staged, res)
	}
	return res, s.accept(ctx, file, actor, staged, dir, res)
}

func (s *Service) destinationRejected(ctx context.Context, file *models.UploadedFile, actor Actor, res *Result, err error) error {
	switch {
	case errors.Is(err, sanitize.ErrPathTraversal):
		res.State = StateFailed
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		s.deps.Monitor.RecordEvent(ctx, monitor.EventPathTraversalAttempt,
			actor.meta(map[string]string{"dir": file.DestDir}))
		s.logger.Security(ctx, "upload directory escapes upload root",
			logging.Path(file.DestDir), logging.UserID(actor.UserID), logging.IP(actor.IP))
	case errors.Is(err, sanitize.ErrRestricted):
		res.State = StateRejected
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		s.rejectInput(ctx, actor, "restricted upload directory", map[string]string{"dir": file.DestDir})
	default:
		res.State = StateFailed
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		s.logger.ErrorContext(ctx, "failed to resolve upload directory", logging.Error(err))
	}
	return err
}

func (s *Service) checkInput(ctx context.Context, file *models.UploadedFile, actor Actor, res *Result) error {
	size := int64(len(file.Data))
	if size == 0 {
		return ErrEmptyFile
	}
	if s.opts.MaxSize > 0 && (size > s.opts.MaxSize || file.DeclaredSize > s.opts.MaxSize) {
		s.logger.WarnContext(ctx, "upload exceeds size limit",
			logging.Size(size),
			"limit", humanize.IBytes(uint64(s.opts.MaxSize)))
		return ErrFileTooLarge
	}

	_, ext := sanitize.SplitExt(file.OriginalName)
	if !s.allowed(file.DeclaredMIME, ext) {
		s.rejectInput(ctx, actor, "type not allowed", map[string]string{"mimetype": file.DeclaredMIME, "ext": ext})
		return ErrUnsupportedType
	}

	detected := mimetype.Detect(file.Data)
	res.DetectedMIME = detected.String()
	if denied := s.deniedType(detected); denied != "" {
		s.rejectInput(ctx, actor, "detected content type denied", map[string]string{"detected": denied})
		return ErrUnsupportedType
	}

	if s.opts.TenantQuotaBytes > 0 && s.deps.Usage != nil {
		used, err := s.deps.Usage.TenantUsage(ctx, actor.Tenant)
		if err != nil {
			return fmt.Errorf("read tenant usage: %w", err)
		}
		if used+size > s.opts.TenantQuotaBytes {
			s.rejectInput(ctx, actor, "tenant quota exceeded", map[string]string{
				"tenant": actor.Tenant,
				"used":   humanize.IBytes(uint64(used)),
				"quota":  humanize.IBytes(uint64(s.opts.TenantQuotaBytes)),
			})
			return ErrQuotaExceeded
		}
	}
	return nil
}

func (s *Service) rejectInput(ctx context.Context, actor Actor, reason string, attrs map[string]string) {
	attrs["reason"] = reason
	s.logger.WarnContext(ctx, "upload rejected", logging.Reason(reason), logging.UserID(actor.UserID), logging.IP(actor.IP))
	s.deps.Monitor.RecordEvent(ctx, monitor.EventUploadRejected, actor.meta(attrs))
}

// allowed passes when either the declared MIME type or the extension is on
// its allow-list. With both lists empty everything passes.
func (s *Service) allowed(declared, ext string) bool {
	if len(s.opts.AllowedMIMETypes) == 0 && len(s.opts.AllowedExtensions) == 0 {
		return true
	}
	mt, _, _ := strings.Cut(declared, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	for _, a := range s.opts.AllowedMIMETypes {
		if mt != "" && strings.EqualFold(a, mt) {
			return true
		}
	}
	for _, a := range s.opts.AllowedExtensions {
		if ext != "" && strings.EqualFold(a, ext) {
			return true
		}
	}
	return false
}

// deniedType returns the deny-list entry matching detected or any of its
// parent types.
func (s *Service) deniedType(detected *mimetype.MIME) string {
	for m := detected; m != nil; m = m.Parent() {
		for _, d := range s.opts.DeniedDetectedTypes {
			if m.Is(d) {
				return d
			}
		}
	}
	return ""
}

// stage writes the upload into the staging directory, which is never served,
// and returns its path.
func (s *Service) stage(file *models.UploadedFile, res *Result) (string, error) {
	if err := os.MkdirAll(s.staging, 0o750); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	base, ext := sanitize.SplitExt(file.OriginalName)
	name := sanitize.Filename(fmt.Sprintf("%d-%s-%s%s", s.now().UnixMilli(), s.suffix(), base, ext))
	res.Filename = name

	path := filepath.Join(s.staging, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create staged file: %w", err)
	}
	if _, err := f.Write(file.Data); err != nil {
		f.Close()
		s.removeTemp(path)
		return "", fmt.Errorf("write staged file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.removeTemp(path)
		return "", fmt.Errorf("sync staged file: %w", err)
	}
	if err := f.Close(); err != nil {
		s.removeTemp(path)
		return "", fmt.Errorf("close staged file: %w", err)
	}
	return path, nil
}

// promote moves an accepted file from staging into dir under the upload root.
func (s *Service) promote(staged, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(staged, final); err != nil {
		return "", fmt.Errorf("move staged file: %w", err)
	}
	return final, nil
}

// PurgeStaging removes files left in the staging directory by an earlier
// process that stopped mid-scan. It returns how many were removed.
func (s *Service) PurgeStaging(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.staging)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(s.staging, e.Name())
		if err := s.remove(path); err != nil {
			s.logger.ErrorContext(ctx, "failed to remove stale staged upload", logging.Path(path), logging.Error(err))
			continue
		}
		s.logger.WarnContext(ctx, "removed unscanned upload left in staging", logging.Path(path))
		removed++
	}
	return removed, nil
}

func (s *Service) removeTemp(path string) {
	if err := s.remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Error("orphaned staged upload", logging.Path(path), logging.Error(err))
	}
}

// scan re-reads the staged file so that what is scanned is exactly what was
// stored.
func (s *Service) scan(ctx context.Context, path string) (*models.ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reopen upload: %w", err)
	}
	defer f.Close()
	return s.deps.Scanner.Scan(ctx, f), nil
}

func (s *Service) reject(ctx context.Context, file *models.UploadedFile, actor Actor, path string, res *Result) error {
	scan := res.Scan
	infected := scan.Status == models.ScanInfected

	reason := "scan failed: " + scan.ErrorDetail
	event := monitor.EventScanFailure
	outErr := ErrScanUnavailable
	outcome := "scan_error"
	if infected {
		reason = "virus detected: " + scan.ThreatName
		event = monitor.EventVirusDetected
		outErr = ErrContentRejected
		outcome = "infected"
	}

	metadata := scan.AsMetadata()
	metadata["size"] = res.Size
	metadata["declaredMimetype"] = file.DeclaredMIME
	metadata["detectedMimetype"] = res.DetectedMIME
	metadata["uploadedBy"] = actor.UserID
	metadata["ip"] = actor.IP

	// The move must finish even if the client has gone away.
	qctx := context.WithoutCancel(ctx)
	dest, err := s.deps.Quarantine.Move(qctx, quarantine.Request{
		FilePath:     path,
		OriginalName: file.OriginalName,
		Reason:       reason,
		Metadata:     metadata,
	})
	if err != nil {
		deleted := s.remove(path) == nil
		attrs := map[string]string{"filename": res.Filename, "deleted": fmt.Sprint(deleted)}
		if !deleted {
			s.logger.ErrorContext(ctx, "orphaned upload, quarantine and delete both failed",
				logging.Path(path), logging.Reason(reason), logging.Error(err))
		}
		s.deps.Monitor.RecordEvent(qctx, monitor.EventQuarantineFailed, actor.meta(attrs))
		res.State = StateRejected
	} else {
		res.State = StateQuarantined
		res.QuarantinePath = dest
	}

	s.logger.Security(ctx, "upload rejected by scanner",
		logging.FileName(file.OriginalName),
		logging.SHA256(scan.ContentHash),
		logging.ScanStatus(string(scan.Status)),
		logging.Threat(scan.Detail()),
		logging.UserID(actor.UserID),
		logging.IP(actor.IP))
	s.deps.Monitor.RecordEvent(qctx, event, actor.meta(map[string]string{
		"filename": res.Filename,
		"sha256":   scan.ContentHash,
		"detail":   scan.Detail(),
	}))

	metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	file.Data = nil
	return outErr
}

func (s *Service) accept(ctx context.Context, file *models.UploadedFile, actor Actor, staged, dir string, res *Result) error {
	scan := res.Scan
	path, err := s.promote(staged, dir, res.Filename)
	if err != nil {
		s.cleanup(ctx, staged, "promotion failed")
		res.State = StateFailed
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return err
	}
	res.Path, _ = s.deps.Paths.Rel(path)

	mimeType := file.DeclaredMIME
	if mimeType == "" {
		mimeType = res.DetectedMIME
	}

	record := &models.AcceptedFile{
		Path:         res.Path,
		OriginalName: file.OriginalName,
		Size:         res.Size,
		MIMEType:     mimeType,
		Filename:     res.Filename,
		SHA256:       scan.ContentHash,
		ScanStatus:   scan.Status,
		ScanDetail:   scan.Detail(),
		Tenant:       actor.Tenant,
		UploadedBy:   actor.UserID,
	}

	id, err := s.deps.Acceptor.Accept(ctx, record)
	if err != nil {
		s.cleanup(ctx, path, "acceptance failed")
		res.State = StateFailed
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("accept upload: %w", err)
	}

	res.State = StateAccepted
	res.RecordID = id
	res.Record = record
	file.Data = nil

	s.logger.InfoContext(ctx, "upload accepted",
		"record_id", id,
		logging.FileName(res.Filename),
		logging.Size(res.Size),
		logging.SHA256(scan.ContentHash),
		logging.ScanStatus(string(scan.Status)))
	s.deps.Monitor.RecordEvent(ctx, monitor.EventUploadSuccess, actor.meta(map[string]string{
		"filename": res.Filename,
		"sha256":   scan.ContentHash,
	}))

	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	metrics.UploadBytesTotal.Add(float64(res.Size))
	return nil
}

// cleanup removes a staged or promoted upload after an unexpected failure. A file
// that cannot be removed is logged for an operator to reconcile.
func (s *Service) cleanup(ctx context.Context, path, why string) {
	if err := s.remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.ErrorContext(ctx, "orphaned upload",
			logging.Path(path), logging.Reason(why), logging.Error(err))
		return
	}
	s.logger.WarnContext(ctx, "removed upload after failure", logging.Path(path), logging.Reason(why))
}
