// Package monitor aggregates security events per actor and fires threshold
// alerts.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/metrics"
	"github.com/telhawk-systems/filegate/internal/models"
	"github.com/telhawk-systems/filegate/internal/ratelimit"
)

const unknownActor = "unknown"

// Notifier forwards alerts outside the process. Notify must return quickly
// and must not fail the caller.
type Notifier interface {
	Notify(alert *models.Alert)
}

// Meta identifies who triggered an event.
type Meta struct {
	UserID string
	IP     string
	Attrs  map[string]string
}

// ActorKey is the user ID, else the IP, else "unknown".
func (m Meta) ActorKey() string {
	switch {
	case m.UserID != "":
		return m.UserID
	case m.IP != "":
		return m.IP
	default:
		return unknownActor
	}
}

type eventKey struct {
	eventType models.EventType
	actor     string
}

type activity struct {
	eventType models.EventType
	at        time.Time
}

// Monitor is safe for concurrent use. One RWMutex guards all tracked maps;
// housekeeping and RecordEvent both take the write lock.
type Monitor struct {
	opts     Options
	logger   *logging.Logger
	notifier Notifier
	cluster  ratelimit.Store
	now      func() time.Time

	mu      sync.RWMutex
	classes map[models.EventType]models.EventClass
	events  map[eventKey][]time.Time
	users   map[string][]activity
	ips     map[string][]activity
	alerts  []time.Time
}

// New creates a Monitor. notifier may be nil.
func New(opts Options, logger *logging.Logger, notifier Notifier) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	classes := make(map[models.EventType]models.EventClass, len(defaultClasses))
	for k, v := range defaultClasses {
		classes[k] = v
	}
	return &Monitor{
		opts:     opts.withDefaults(),
		logger:   logger,
		notifier: notifier,
		now:      time.Now,
		classes:  classes,
		events:   make(map[eventKey][]time.Time),
		users:    make(map[string][]activity),
		ips:      make(map[string][]activity),
	}
}

// AttachCluster makes every event also count in store under
// "monitor:<class>:<actor>". The resulting count is reported on alerts as
// ClusterHits so that replicas can see each other's activity. ClusterHits
// covers the store's own window (ratelimit.window), not the class window
// reported in Alert.Window.
func (m *Monitor) AttachCluster(store ratelimit.Store) {
	m.cluster = store
}

// RegisterEventType assigns an event type to a threshold class. Intended for
// start-up.
func (m *Monitor) RegisterEventType(t models.EventType, class models.EventClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[t] = class
}

// ClassOf returns the threshold class of t.
func (m *Monitor) ClassOf(t models.EventType) models.EventClass {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.classOf(t)
}

func (m *Monitor) classOf(t models.EventType) models.EventClass {
	if c, ok := m.classes[t]; ok {
		return c
	}
	return models.ClassDefault
}

func (m *Monitor) threshold(class models.EventClass) models.AlertThreshold {
	if th, ok := m.opts.Thresholds[class]; ok {
		return th
	}
	return m.opts.Thresholds[models.ClassDefault]
}

// RecordEvent stores the event and returns the alert it triggered, if any.
// Every call that meets the threshold fires again; consumers deduplicate.
func (m *Monitor) RecordEvent(ctx context.Context, t models.EventType, meta Meta) *models.Alert {
	now := m.now()
	actor := meta.ActorKey()
	key := eventKey{eventType: t, actor: actor}

	m.mu.Lock()
	list := appendBounded(m.events[key], now, m.opts.MaxEntries)
	m.events[key] = list
	if meta.UserID != "" {
		m.users[meta.UserID] = appendBounded(m.users[meta.UserID], activity{t, now}, m.opts.MaxEntries)
	}
	if meta.IP != "" {
		m.ips[meta.IP] = appendBounded(m.ips[meta.IP], activity{t, now}, m.opts.MaxEntries)
	}
	class := m.classOf(t)
	th := m.threshold(class)
	count := countSince(list, now.Add(-th.Window))
	tracked := len(m.events)
	m.mu.Unlock()

	metrics.SecurityEvents.WithLabelValues(string(t)).Inc()
	metrics.MonitorTrackedKeys.Set(float64(tracked))

	var clusterHits int64
	if m.cluster != nil {
		if c, err := m.cluster.Increment(ctx, "monitor:"+string(class)+":"+actor); err == nil {
			clusterHits = c.TotalHits
		}
	}

	if count < th.Count {
		return nil
	}

	alert := &models.Alert{
		ID:          uuid.NewString(),
		EventType:   t,
		Class:       class,
		ActorKey:    actor,
		Count:       count,
		Threshold:   th.Count,
		Window:      th.Window,
		WindowMs:    th.Window.Milliseconds(),
		Severity:    severity(class, count),
		ClusterHits: clusterHits,
		TriggeredAt: now,
		Meta:        meta.Attrs,
	}

	m.mu.Lock()
	m.alerts = appendBounded(m.alerts, now, m.opts.MaxAlerts)
	m.mu.Unlock()

	metrics.SecurityAlerts.WithLabelValues(string(class), string(alert.Severity)).Inc()
	m.logger.Security(ctx, "security alert",
		"alert_id", alert.ID,
		logging.EventType(string(t)),
		"class", string(class),
		logging.Actor(actor),
		"count", count,
		"threshold", th.Count,
		"window", th.Window.String(),
		"severity", string(alert.Severity),
		"cluster_hits", clusterHits)

	if m.notifier != nil {
		m.notifier.Notify(alert)
	}
	return alert
}

func appendBounded[T any](list []T, v T, limit int) []T {
	list = append(list, v)
	if len(list) > limit {
		// Copy so the dropped prefix can be collected.
		trimmed := make([]T, limit)
		copy(trimmed, list[len(list)-limit:])
		list = trimmed
	}
	return list
}

// countSince counts timestamps at or after cutoff. list is in insertion
// order, which is chronological.
func countSince(list []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// Run purges expired entries every housekeeping interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Purge()
		}
	}
}

// Purge drops everything older than the retention horizon.
func (m *Monitor) Purge() {
	cutoff := m.now().Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, list := range m.events {
		if kept := dropBefore(list, cutoff, func(t time.Time) time.Time { return t }); len(kept) > 0 {
			m.events[k] = kept
		} else {
			delete(m.events, k)
		}
	}
	purgeActivity(m.users, cutoff)
	purgeActivity(m.ips, cutoff)
	m.alerts = dropBefore(m.alerts, cutoff, func(t time.Time) time.Time { return t })

	metrics.MonitorTrackedKeys.Set(float64(len(m.events)))
}

func purgeActivity(m map[string][]activity, cutoff time.Time) {
	for k, list := range m {
		if kept := dropBefore(list, cutoff, func(a activity) time.Time { return a.at }); len(kept) > 0 {
			m[k] = kept
		} else {
			delete(m, k)
		}
	}
}

func dropBefore[T any](list []T, cutoff time.Time, at func(T) time.Time) []T {
	i := 0
	for i < len(list) && at(list[i]).Before(cutoff) {
		i++
	}
	if i == 0 {
		return list
	}
	return append([]T(nil), list[i:]...)
}
