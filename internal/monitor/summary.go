package monitor

import (
	"time"

	"github.com/telhawk-systems/filegate/internal/models"
)

const summaryWindow = 24 * time.Hour

// UserActivitySummary aggregates the last 24 hours of events for a user.
func (m *Monitor) UserActivitySummary(userID string) models.ActivitySummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return summarize(userID, m.users[userID], m.now().Add(-summaryWindow))
}

// IPActivitySummary aggregates the last 24 hours of events for a client IP.
func (m *Monitor) IPActivitySummary(ip string) models.ActivitySummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return summarize(ip, m.ips[ip], m.now().Add(-summaryWindow))
}

func summarize(key string, list []activity, since time.Time) models.ActivitySummary {
	s := models.ActivitySummary{Key: key, ByType: map[models.EventType]int{}}
	for _, a := range list {
		if a.at.Before(since) {
			continue
		}
		s.TotalEvents++
		s.ByType[a.eventType]++
		if s.FirstSeen == nil {
			at := a.at
			s.FirstSeen = &at
		}
		at := a.at
		s.LastSeen = &at
	}
	return s
}

// DailySummary aggregates the last 24 hours across all actors.
func (m *Monitor) DailySummary() models.DailySummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := m.now().Add(-summaryWindow)
	s := models.DailySummary{
		Since:   since,
		ByType:  map[models.EventType]int{},
		ByClass: map[models.EventClass]int{},
	}

	for k, list := range m.events {
		n := countSince(list, since)
		if n == 0 {
			continue
		}
		s.TotalEvents += n
		s.ByType[k.eventType] += n
		s.ByClass[m.classOf(k.eventType)] += n
	}
	s.UniqueUsers = activeKeys(m.users, since)
	s.UniqueIPs = activeKeys(m.ips, since)
	for _, at := range m.alerts {
		if !at.Before(since) {
			s.Alerts++
		}
	}
	return s
}

func activeKeys(m map[string][]activity, since time.Time) int {
	n := 0
	for _, list := range m {
		if len(list) > 0 && !list[len(list)-1].at.Before(since) {
			n++
		}
	}
	return n
}
