package safety

import (
	"sync"
	"time"
)

// AuditEntry is one append-only record of a safety-relevant event.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLog is a bounded in-memory ring of audit entries. Past capacity the
// oldest entry is evicted. It carries its own lock so denials can be
// audited from request goroutines without going through the service owner.
type AuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
	start   int // index of the oldest entry
	count   int
}

// NewAuditLog creates a ring holding at most capacity entries.
func NewAuditLog(capacity int) *AuditLog {
	if capacity < 1 {
		capacity = 1
	}
	return &AuditLog{entries: make([]AuditEntry, capacity)}
}

// Append records an event, evicting the oldest entry when full.
func (l *AuditLog) Append(eventType string, details map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := (l.start + l.count) % len(l.entries)
	l.entries[idx] = AuditEntry{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Details:   details,
	}
	if l.count < len(l.entries) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.entries)
	}
}

// Len reports the number of retained entries.
func (l *AuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Recent returns up to n entries, newest last.
func (l *AuditLog) Recent(n int) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.count {
		n = l.count
	}
	out := make([]AuditEntry, 0, n)
	for i := l.count - n; i < l.count; i++ {
		out = append(out, l.entries[(l.start+i)%len(l.entries)])
	}
	return out
}
