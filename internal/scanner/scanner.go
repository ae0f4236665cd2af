// Package scanner classifies uploaded content. Every strategy hashes the
// stream so the content digest is available whatever the verdict.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/metrics"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/pkg/clamd"
)

const (
	EngineDisabled = "disabled"
	EngineHash     = "sha256"
	EngineClamd    = "clamd"
)

// Scanner produces exactly one result per stream. Failures are reported as
// models.ScanError results rather than Go errors.
type Scanner interface {
	Scan(ctx context.Context, r io.Reader) *models.ScanResult
}

// Pinger is implemented by scanners backed by a remote engine.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New builds the scanner selected by cfg.
func New(cfg config.ScannerConfig) Scanner {
	if cfg.Skip {
		return Disabled{}
	}
	switch cfg.Strategy {
	case "disabled":
		return Disabled{}
	case "hash":
		return Hash{}
	default:
		return NewClamd(clamd.NewClient(cfg.Address(), cfg.Timeout, cfg.ChunkSize))
	}
}

// Disabled accepts everything. Used in trusted and test environments.
type Disabled struct{}

func (Disabled) Scan(ctx context.Context, r io.Reader) *models.ScanResult {
	return digestOnly(r, models.ScanSkipped, EngineDisabled)
}

// Hash records a SHA-256 digest without inspecting content.
type Hash struct{}

func (Hash) Scan(ctx context.Context, r io.Reader) *models.ScanResult {
	return digestOnly(r, models.ScanHashed, EngineHash)
}

func digestOnly(r io.Reader, status models.ScanStatus, engine string) *models.ScanResult {
	start := time.Now()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return finish(&models.ScanResult{
			Status:      models.ScanError,
			ErrorDetail: fmt.Sprintf("read content: %v", err),
			Engine:      engine,
		}, h, start)
	}
	return finish(&models.ScanResult{Status: status, Engine: engine}, h, start)
}

// StreamScanner is the subset of clamd.Client used by Clamd.
type StreamScanner interface {
	ScanStream(ctx context.Context, r io.Reader) (*clamd.Response, error)
	Ping(ctx context.Context) error
}

// Clamd scans through a clamd daemon. Errors and timeouts become ScanError.
type Clamd struct {
	client StreamScanner
}

func NewClamd(client StreamScanner) *Clamd {
	return &Clamd{client: client}
}

func (c *Clamd) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *Clamd) Scan(ctx context.Context, r io.Reader) *models.ScanResult {
	start := time.Now()
	h := sha256.New()

	resp, err := c.client.ScanStream(ctx, io.TeeReader(r, h))
	// clamd may answer before the stream ends; finish the digest anyway.
	_, _ = io.Copy(h, r)

	if err != nil {
		detail := err.Error()
		if errors.Is(err, clamd.ErrTimeout) {
			detail = "scan timed out"
		}
		return finish(&models.ScanResult{
			Status:      models.ScanError,
			ErrorDetail: detail,
			Engine:      EngineClamd,
		}, h, start)
	}

	result := &models.ScanResult{Engine: EngineClamd}
	switch resp.Status {
	case clamd.StatusClean:
		result.Status = models.ScanClean
	case clamd.StatusFound:
		result.Status = models.ScanInfected
		result.ThreatName = resp.Threat
	case clamd.StatusError:
		result.Status = models.ScanError
		result.ErrorDetail = resp.Detail
	default:
		result.Status = models.ScanError
		result.ErrorDetail = "unrecognized response: " + resp.Raw
	}
	return finish(result, h, start)
}

func finish(r *models.ScanResult, h hash.Hash, start time.Time) *models.ScanResult {
	r.ContentHash = hex.EncodeToString(h.Sum(nil))
	r.Duration = time.Since(start)
	metrics.ScanDuration.WithLabelValues(r.Engine, string(r.Status)).Observe(r.Duration.Seconds())
	metrics.ScansTotal.WithLabelValues(r.Engine, string(r.Status)).Inc()
	return r
}
