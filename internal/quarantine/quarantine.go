// Package quarantine isolates rejected uploads together with a JSON manifest
// describing why they were rejected.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/metrics"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/sanitize"
)

const manifestSuffix = ".json"

var ErrNotQuarantined = errors.New("not a quarantined file")

// Request describes a file to move into quarantine.
type Request struct {
	FilePath     string
	OriginalName string
	Reason       string
	Metadata     map[string]any
}

// Manager owns the quarantine directory.
type Manager struct {
	dir    string
	logger *logging.Logger
	now    func() time.Time

	// rename is swapped in tests to simulate cross-device moves.
	rename func(oldpath, newpath string) error
}

func NewManager(dir string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		rename: os.Rename,
	}
}

// Dir returns the quarantine directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Move relocates req.FilePath into quarantine and writes its manifest. On
// success the source no longer exists. A manifest failure is logged but does
// not fail the move.
func (m *Manager) Move(ctx context.Context, req Request) (string, error) {
	log := m.logger.WithContext(ctx)

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		metrics.QuarantineMoves.WithLabelValues("failed").Inc()
		log.Error("failed to create quarantine directory", logging.Path(m.dir), logging.Error(err))
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	movedAt := m.now().UTC()
	dest := filepath.Join(m.dir, m.name(req.OriginalName, movedAt))

	if err := m.move(req.FilePath, dest); err != nil {
		metrics.QuarantineMoves.WithLabelValues("failed").Inc()
		log.Error("quarantine move failed",
			logging.Path(req.FilePath),
			logging.Reason(req.Reason),
			logging.Error(err))
		return "", err
	}

	manifest := models.QuarantineManifest{
		OriginalName: req.OriginalName,
		MovedAt:      movedAt,
		Reason:       req.Reason,
		Metadata:     req.Metadata,
	}
	if manifest.Metadata == nil {
		manifest.Metadata = map[string]any{}
	}
	if err := writeManifest(dest+manifestSuffix, &manifest); err != nil {
		log.Warn("failed to write quarantine manifest",
			logging.Path(dest),
			logging.Error(err))
	}

	metrics.QuarantineMoves.WithLabelValues("moved").Inc()
	m.logger.Security(ctx, "file quarantined",
		logging.Path(dest),
		logging.FileName(req.OriginalName),
		logging.Reason(req.Reason))

	return dest, nil
}

// name builds <unix-millis>-<sanitized-base>-<8 hex><ext>.
func (m *Manager) name(originalName string, at time.Time) string {
	base, ext := sanitize.SplitExt(originalName)
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	name := fmt.Sprintf("%d-%s-%s%s", at.UnixMilli(), base, id, ext)
	// Leave room for the manifest suffix.
	if len(name)+len(manifestSuffix) > sanitize.MaxFilenameBytes {
		name = sanitize.Filename(fmt.Sprintf("%d-%s%s", at.UnixMilli(), id, ext))
	}
	return name
}

func (m *Manager) move(src, dest string) error {
	err := m.rename(src, dest)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("rename into quarantine: %w", err)
	}
	return moveAcrossDevices(src, dest)
}

// moveAcrossDevices copies src next to dest, syncs, renames it into place and
// removes src. If src cannot be removed the copy is undone so the file never
// exists in both places.
func moveAcrossDevices(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp := dest + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create quarantine copy: %w", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy into quarantine: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync quarantine copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close quarantine copy: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("place quarantine copy: %w", err)
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dest)
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

func writeManifest(path string, manifest *models.QuarantineManifest) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

// Load reads a quarantined file's manifest. path may be absolute or relative
// to the quarantine directory but must stay inside it.
func (m *Manager) Load(path string) (*models.QuarantineRecord, error) {
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(m.dir, path)
	}
	full = filepath.Clean(full)
	// Accept the manifest path as a handle for its file.
	if trimmed := strings.TrimSuffix(full, manifestSuffix); trimmed != full {
		if _, err := os.Stat(trimmed); err == nil {
			full = trimmed
		}
	}

	dir, err := filepath.Abs(m.dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return nil, err
	}
	if filepath.Dir(abs) != dir {
		return nil, ErrNotQuarantined
	}

	return m.load(abs)
}

func (m *Manager) load(path string) (*models.QuarantineRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotQuarantined
		}
		return nil, err
	}

	rec := &models.QuarantineRecord{Path: path, Size: info.Size()}

	data, err := os.ReadFile(path + manifestSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return rec, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &rec.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return rec, nil
}

// List returns every quarantined file, newest first. Files whose manifest is
// missing are listed with an empty manifest.
func (m *Manager) List(ctx context.Context) ([]models.QuarantineRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.QuarantineRecord{}, nil
		}
		return nil, fmt.Errorf("read quarantine dir: %w", err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	records := make([]models.QuarantineRecord, 0, len(entries)/2)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, ".part") {
			continue
		}
		if strings.HasSuffix(name, manifestSuffix) && names[strings.TrimSuffix(name, manifestSuffix)] {
			continue
		}
		rec, err := m.load(filepath.Join(m.dir, name))
		if err != nil {
			m.logger.Warn("skipping unreadable quarantine entry", logging.Path(name), logging.Error(err))
			continue
		}
		records = append(records, *rec)
	}

	sort.Slice(records, func(i, j int) bool {
		ti, tj := records[i].Manifest.MovedAt, records[j].Manifest.MovedAt
		if ti.Equal(tj) {
			return records[i].Path > records[j].Path
		}
		return ti.After(tj)
	})
	return records, nil
}
