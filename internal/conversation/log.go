package conversation

import (
	"sync"
	"time"
)

// Event sources.
const (
	SourceClient = "client"
	SourceServer = "server"
)

// LoggedEvent is one entry in the session event log. Count grows when
// consecutive events of the same type coalesce.
type LoggedEvent struct {
	Time   time.Time
	Source string
	Type   string
	Count  int
}

// EventLog is an append-only, monotonically ordered event record. An incoming
// event whose type matches the newest entry coalesces into it instead of
// appending a duplicate.
type EventLog struct {
	mu      sync.Mutex
	entries []LoggedEvent
}

// NewEventLog executes the newEventLog function.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append records one event, coalescing with the newest entry on a type match.
func (l *EventLog) Append(source, eventType string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.entries); n > 0 && l.entries[n-1].Type == eventType && l.entries[n-1].Source == source {
		l.entries[n-1].Count++
		l.entries[n-1].Time = time.Now()
		return
	}
	l.entries = append(l.entries, LoggedEvent{
		Time:   time.Now(),
		Source: source,
		Type:   eventType,
		Count:  1,
	})
}

// Entries returns a copy of the log.
func (l *EventLog) Entries() []LoggedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LoggedEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear drops every entry.
func (l *EventLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
