package realtime

import (
	"sync"
	"time"
)

const (
	defaultActivityCapacity = 100
	activityRecentWindow    = 5 * time.Second
	activityRecentEntries   = 10
)

// ActivityEntry is one recorded provider event.
type ActivityEntry struct {
	Type      EventType         `json:"type"`
	Detail    map[string]string `json:"detail,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NetworkActivity is a diagnostic snapshot of recent provider traffic.
type NetworkActivity struct {
	Active            bool            `json:"is_active"`
	LastActivity      time.Time       `json:"last_activity,omitempty"`
	HasRecentActivity bool            `json:"has_recent_activity"`
	Total             int             `json:"total"`
	Recent            []ActivityEntry `json:"recent"`
}

// activityLog is a fixed-size ring of the most recent events. Recording is
// a no-op while the log is inactive.
type activityLog struct {
	mu      sync.Mutex
	entries []ActivityEntry
	next    int
	filled  bool
	active  bool
	last    time.Time
}

func newActivityLog(capacity int) *activityLog {
	if capacity <= 0 {
		capacity = defaultActivityCapacity
	}
	return &activityLog{entries: make([]ActivityEntry, capacity)}
}

func (l *activityLog) setActive(active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = active
	if !active {
		l.last = time.Time{}
	}
}

func (l *activityLog) isActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *activityLog) record(t EventType, detail map[string]string, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return false
	}
	l.entries[l.next] = ActivityEntry{Type: t, Detail: detail, Timestamp: at}
	l.next++
	if l.next >= len(l.entries) {
		l.next = 0
		l.filled = true
	}
	l.last = at
	return true
}

// ordered returns entries oldest first.
func (l *activityLog) ordered() []ActivityEntry {
	if !l.filled {
		return append([]ActivityEntry(nil), l.entries[:l.next]...)
	}
	out := make([]ActivityEntry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

func (l *activityLog) snapshot(now time.Time) NetworkActivity {
	l.mu.Lock()
	defer l.mu.Unlock()
	all := l.ordered()
	recent := all
	if len(recent) > activityRecentEntries {
		recent = recent[len(recent)-activityRecentEntries:]
	}
	return NetworkActivity{
		Active:            l.active,
		LastActivity:      l.last,
		HasRecentActivity: !l.last.IsZero() && now.Sub(l.last) < activityRecentWindow,
		Total:             len(all),
		Recent:            recent,
	}
}
