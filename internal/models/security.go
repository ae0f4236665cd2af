package models

import "time"

// EventType tags a security event, e.g. "upload:virus_detected".
type EventType string

// EventClass groups event types that share an alert threshold.
type EventClass string

const (
	ClassUploadFailure EventClass = "upload_failure"
	ClassScanFailure   EventClass = "scan_failure"
	ClassPathTraversal EventClass = "path_traversal"
	ClassRateLimit     EventClass = "rate_limit"
	ClassAuthFailure   EventClass = "auth_failure"
	ClassDefault       EventClass = "default"
)

// Severity of a triggered alert.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SecurityEvent is a single append-only observation.
type SecurityEvent struct {
	Type      EventType `json:"eventType"`
	ActorKey  string    `json:"actorKey"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertThreshold fires an alert when Count events land inside Window.
type AlertThreshold struct {
	Count  int           `json:"count" mapstructure:"count"`
	Window time.Duration `json:"window" mapstructure:"window"`
}

// Alert is emitted every time an actor meets a class threshold.
type Alert struct {
	ID          string            `json:"id"`
	EventType   EventType         `json:"eventType"`
	Class       EventClass        `json:"class"`
	ActorKey    string            `json:"actorKey"`
	Count       int               `json:"count"`
	Threshold   int               `json:"threshold"`
	Window      time.Duration     `json:"-"`
	WindowMs    int64             `json:"windowMs"`
	Severity    Severity          `json:"severity"`
	// ClusterHits is the cluster-wide count over the shared rate-limit
	// store's window, which may differ from Window.
	ClusterHits int64             `json:"clusterHits,omitempty"`
	TriggeredAt time.Time         `json:"triggeredAt"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// RateLimitCounter is the state of one rate-limit key.
type RateLimitCounter struct {
	TotalHits int64     `json:"totalHits"`
	ResetTime time.Time `json:"resetTime"`
}

// ActivitySummary aggregates the retained events of one user or IP.
type ActivitySummary struct {
	Key         string            `json:"key"`
	TotalEvents int               `json:"totalEvents"`
	ByType      map[EventType]int `json:"byType"`
	FirstSeen   *time.Time        `json:"firstSeen,omitempty"`
	LastSeen    *time.Time        `json:"lastSeen,omitempty"`
}

// DailySummary aggregates the last 24 hours across all actors.
type DailySummary struct {
	Since       time.Time          `json:"since"`
	TotalEvents int                `json:"totalEvents"`
	ByType      map[EventType]int  `json:"byType"`
	ByClass     map[EventClass]int `json:"byClass"`
	UniqueUsers int                `json:"uniqueUsers"`
	UniqueIPs   int                `json:"uniqueIps"`
	Alerts      int                `json:"alerts"`
}
