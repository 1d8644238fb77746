package timeline

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category classifies a timeline event.
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryConnector Category = "connector-status"
	CategoryFault     Category = "fault"
	CategorySession   Category = "session"
	CategoryMeter     Category = "meter"
	CategoryCommand   Category = "command"
	CategoryLog       Category = "log"
	CategoryHeartbeat Category = "heartbeat"
)

// Tone is the display severity of an event.
type Tone string

const (
	ToneInfo    Tone = "info"
	ToneSuccess Tone = "success"
	ToneWarning Tone = "warning"
	ToneDanger  Tone = "danger"
)

// Event is an immutable record of one discrete occurrence.
type Event struct {
	Key         string            `json:"key"`
	TimestampMs int64             `json:"timestamp"`
	Category    Category          `json:"category"`
	Title       string            `json:"title"`
	Subtitle    string            `json:"subtitle,omitempty"`
	Badge       string            `json:"badge,omitempty"`
	Metrics     map[string]string `json:"metrics,omitempty"`
	Tone        Tone              `json:"tone,omitempty"`
}

// Log is a bounded, deduplicated audit trail. Entries keep arrival order;
// an event-time ordering is derived on demand for views where REST-sourced
// session boundaries can trail push-sourced ones.
type Log struct {
	mu          sync.Mutex
	capacity    int
	entries     []Event
	keys        map[string]struct{}
	throttle    time.Duration
	lastMeterMs map[int]int64
}

// New builds a log with the given capacity and per-connector telemetry
// throttle gap.
func New(capacity int, throttle time.Duration) *Log {
	if capacity <= 0 {
		capacity = 500
	}
	return &Log{
		capacity:    capacity,
		keys:        make(map[string]struct{}),
		throttle:    throttle,
		lastMeterMs: make(map[int]int64),
	}
}

// Record appends the event at most once per identity key. Duplicates are
// dropped silently, never overwritten. Returns whether the event was kept.
func (l *Log) Record(e Event) bool {
	if e.Key == "" {
		e.Key = uuid.NewString()
	}
	if e.Tone == "" {
		e.Tone = ToneInfo
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.keys[e.Key]; dup {
		return false
	}
	l.keys[e.Key] = struct{}{}
	l.entries = append(l.entries, e)
	l.evictLocked()
	return true
}

// RecordMeter records a telemetry-derived event subject to the
// per-connector throttle. The throttle is a display concern only; the
// series manager retains every sample regardless.
func (l *Log) RecordMeter(connectorID int, e Event) bool {
	l.mu.Lock()
	last := l.lastMeterMs[connectorID]
	if !shouldEmit(last, e.TimestampMs, l.throttle) {
		l.mu.Unlock()
		return false
	}
	l.lastMeterMs[connectorID] = e.TimestampMs
	l.mu.Unlock()

	e.Category = CategoryMeter
	return l.Record(e)
}

// evictLocked drops the oldest entries past capacity, releasing their keys
// so far-future reuse is not falsely suppressed.
func (l *Log) evictLocked() {
	over := len(l.entries) - l.capacity
	if over <= 0 {
		return
	}
	for _, e := range l.entries[:over] {
		delete(l.keys, e.Key)
	}
	l.entries = append(l.entries[:0], l.entries[over:]...)
}

// ByArrival returns events in append order, newest last, optionally
// filtered by category.
func (l *Log) ByArrival(categories ...Category) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return filter(l.entries, categories)
}

// ByEventTime returns events ordered by their own timestamps. Used for the
// commands-and-sessions view, where arrival order misleads.
func (l *Log) ByEventTime(categories ...Category) []Event {
	out := l.ByArrival(categories...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimestampMs < out[j].TimestampMs
	})
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func filter(entries []Event, categories []Category) []Event {
	wanted := make(map[Category]bool, len(categories))
	for _, c := range categories {
		wanted[c] = true
	}
	out := make([]Event, 0, len(entries))
	for _, e := range entries {
		if len(categories) == 0 || wanted[e.Category] {
			out = append(out, copyEvent(e))
		}
	}
	return out
}

// copyEvent detaches the snapshot from the retained entry: the metrics map
// must not be writable through the returned slice.
func copyEvent(e Event) Event {
	if len(e.Metrics) > 0 {
		metrics := make(map[string]string, len(e.Metrics))
		for k, v := range e.Metrics {
			metrics[k] = v
		}
		e.Metrics = metrics
	}
	return e
}

// shouldEmit is the throttle decision: emit when at least gap elapsed since
// the last emitted event. Pure so it is testable without timers.
func shouldEmit(lastMs, nowMs int64, gap time.Duration) bool {
	if gap <= 0 || lastMs == 0 {
		return true
	}
	return nowMs-lastMs >= gap.Milliseconds()
}
