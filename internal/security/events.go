package security

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind labels a security-relevant rejection.
type EventKind string

const (
	EventRateLimited    EventKind = "rate_limited"
	EventSuspicious     EventKind = "suspicious_activity"
	EventHardBlocked    EventKind = "hard_blocked"
	EventInvalidKey     EventKind = "invalid_client_key"
	EventAuthFailure    EventKind = "auth_failure"
	EventQuotaRejection EventKind = "quota_rejection"
)

// Event is one security-relevant rejection, kept separate from the
// operational log stream.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	ClientKey string    `json:"client_key,omitempty"`
	SourceIP  string    `json:"source_ip,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// EventLog is a bounded in-memory ring of security events. When full, the
// oldest events are dropped so the log can never grow without bound.
type EventLog struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	head     int
	size     int
	dropped  uint64
	clock    func() time.Time
}

// NewEventLog builds a log holding at most capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 512
	}
	return &EventLog{
		capacity: capacity,
		events:   make([]Event, capacity),
		clock:    time.Now,
	}
}

// Record appends an event, evicting the oldest when at capacity.
func (l *EventLog) Record(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.At.IsZero() {
		event.At = l.clock()
	}

	index := (l.head + l.size) % l.capacity
	l.events[index] = event
	if l.size < l.capacity {
		l.size++
	} else {
		l.head = (l.head + 1) % l.capacity
		l.dropped++
	}
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > l.size {
		n = l.size
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		index := (l.head + l.size - 1 - i) % l.capacity
		out = append(out, l.events[index])
	}
	return out
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Dropped returns how many events were evicted to stay within capacity.
func (l *EventLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
