package monitor

import (
	"time"

	"github.com/telhawk-systems/filegate/internal/config"
	"github.com/telhawk-systems/filegate/internal/models"
)

const (
	EventUploadSuccess        models.EventType = "upload:success"
	EventVirusDetected        models.EventType = "upload:virus_detected"
	EventScanFailure          models.EventType = "upload:scan_failure"
	EventUploadRejected       models.EventType = "upload:rejected"
	EventQuarantineFailed     models.EventType = "upload:quarantine_failed"
	EventRateLimitExceeded    models.EventType = "upload:rate_limit_exceeded"
	EventPathTraversalAttempt models.EventType = "download:path_traversal_attempt"
	EventDownloadDenied       models.EventType = "download:denied"
	EventAuthFailure          models.EventType = "auth:failure"
)

// defaultClasses maps the built-in event types to their threshold class.
// Types not listed fall into models.ClassDefault.
var defaultClasses = map[models.EventType]models.EventClass{
	EventVirusDetected:        models.ClassUploadFailure,
	EventUploadRejected:       models.ClassUploadFailure,
	EventQuarantineFailed:     models.ClassUploadFailure,
	EventScanFailure:          models.ClassScanFailure,
	EventPathTraversalAttempt: models.ClassPathTraversal,
	EventDownloadDenied:       models.ClassPathTraversal,
	EventRateLimitExceeded:    models.ClassRateLimit,
	EventAuthFailure:          models.ClassAuthFailure,
}

// DefaultThreshold applies to classes without a configured threshold.
var DefaultThreshold = models.AlertThreshold{Count: 10, Window: time.Hour}

// Options configures a Monitor.
type Options struct {
	Thresholds           map[models.EventClass]models.AlertThreshold
	MaxEntries           int
	// MaxAlerts caps the alert timestamps kept for the daily summary.
	MaxAlerts            int
	Retention            time.Duration
	HousekeepingInterval time.Duration
}

// OptionsFromConfig converts the monitor config section.
func OptionsFromConfig(cfg config.MonitorConfig) Options {
	opts := Options{
		Thresholds:           make(map[models.EventClass]models.AlertThreshold, len(cfg.Thresholds)),
		MaxEntries:           cfg.MaxEntries,
		MaxAlerts:            cfg.MaxAlerts,
		Retention:            cfg.Retention,
		HousekeepingInterval: cfg.HousekeepingInterval,
	}
	for class, th := range cfg.Thresholds {
		opts.Thresholds[models.EventClass(class)] = models.AlertThreshold{Count: th.Count, Window: th.Window}
	}
	return opts
}

func (o Options) withDefaults() Options {
	if o.MaxEntries <= 0 {
		o.MaxEntries = 1000
	}
	if o.MaxAlerts <= 0 {
		o.MaxAlerts = 10000
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.HousekeepingInterval <= 0 {
		o.HousekeepingInterval = time.Minute
	}
	th := make(map[models.EventClass]models.AlertThreshold, len(o.Thresholds)+1)
	for k, v := range o.Thresholds {
		th[k] = v
	}
	if _, ok := th[models.ClassDefault]; !ok {
		th[models.ClassDefault] = DefaultThreshold
	}
	o.Thresholds = th
	return o
}

// severity derives alert severity from the class and in-window count.
func severity(class models.EventClass, count int) models.Severity {
	switch class {
	case models.ClassPathTraversal, models.ClassScanFailure:
		return models.SeverityHigh
	case models.ClassRateLimit:
		if count > 20 {
			return models.SeverityHigh
		}
	}
	return models.SeverityMedium
}
