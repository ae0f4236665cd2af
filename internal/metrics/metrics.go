package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upload metrics
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_uploads_total",
			Help: "Total number of uploads by outcome",
		},
		[]string{"outcome"},
	)

	UploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filegate_upload_bytes_total",
			Help: "Total bytes of accepted uploads",
		},
	)

	// Scan metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_scans_total",
			Help: "Total number of scans by engine and status",
		},
		[]string{"engine", "status"},
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filegate_scan_duration_seconds",
			Help:    "Duration of content scans in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"engine", "status"},
	)

	// Quarantine metrics
	QuarantineMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_quarantine_moves_total",
			Help: "Total number of quarantine moves by result",
		},
		[]string{"result"},
	)

	// Rate limiting metrics
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_rate_limit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"decision"},
	)

	RateLimitBackendOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_rate_limit_backend_ops_total",
			Help: "Rate limit store operations by backend",
		},
		[]string{"backend"},
	)

	// Monitor metrics
	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_security_events_total",
			Help: "Total number of security events recorded",
		},
		[]string{"event_type"},
	)

	SecurityAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_security_alerts_total",
			Help: "Total number of security alerts fired",
		},
		[]string{"class", "severity"},
	)

	MonitorTrackedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filegate_monitor_tracked_keys",
			Help: "Number of (event type, actor) lists held by the monitor",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filegate_notifications_total",
			Help: "Alert notifications by channel and result",
		},
		[]string{"channel", "result"},
	)

	NotificationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filegate_notification_queue_depth",
			Help: "Current depth of the alert notification queue",
		},
	)
)
