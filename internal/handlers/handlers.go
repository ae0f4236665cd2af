// Package handlers implements the HTTP endpoints of the service.
package handlers

import (
	"context"
	"time"

	"github.com/telhawk-systems/filegate/internal/intake"
	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/monitor"
	"github.com/telhawk-systems/filegate/internal/sanitize"
)

// Uploader runs the intake pipeline.
type Uploader interface {
	Process(ctx context.Context, file *models.UploadedFile, actor intake.Actor) (*intake.Result, error)
}

// SecurityMonitor is what the handlers need from the event monitor.
type SecurityMonitor interface {
	RecordEvent(ctx context.Context, t models.EventType, meta monitor.Meta) *models.Alert
	UserActivitySummary(userID string) models.ActivitySummary
	IPActivitySummary(ip string) models.ActivitySummary
	DailySummary() models.DailySummary
}

// QuarantineLister lists quarantined files.
type QuarantineLister interface {
	List(ctx context.Context) ([]models.QuarantineRecord, error)
}

// Check is one readiness probe. A failing non-critical check reports the
// service as degraded but still ready.
type Check struct {
	Name     string
	Critical bool
	Probe    func(ctx context.Context) error
}

type Deps struct {
	Uploader   Uploader
	Paths      *sanitize.Validator
	Monitor    SecurityMonitor
	Quarantine QuarantineLister
	Checks     []Check
}

type Handler struct {
	deps          Deps
	maxUploadSize int64
	checkTimeout  time.Duration
	logger        *logging.Logger
}

// New creates the handler set. maxUploadSize bounds the request body of
// uploads.
func New(deps Deps, maxUploadSize int64, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		deps:          deps,
		maxUploadSize: maxUploadSize,
		checkTimeout:  2 * time.Second,
		logger:        logger,
	}
}
