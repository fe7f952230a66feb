// Package flow provides the process-wide diagnostic event recorder: an
// append-only, capacity-bounded log of structured events partitioned by
// named scope, with live subscription for external viewers. Components
// treat the recorder as optional; a nil *Recorder is valid everywhere
// and records nothing.
package flow

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// Level classifies an event on the export surface.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one immutable diagnostic record.
type Event struct {
	ID        uint64                 `json:"id"`
	Scope     string                 `json:"scope"`
	Step      int                    `json:"step"`
	Level     Level                  `json:"level"`
	Label     string                 `json:"label"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// DefaultCapacity bounds the ring when no capacity is configured.
const DefaultCapacity = 1500

const subscriberBuffer = 64

// Recorder is an append-only ring of diagnostic events. Once the ring is
// full the oldest entry is dropped per append. All methods are safe for
// concurrent use and safe on a nil receiver.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	ring     []Event
	head     int
	count    int
	nextID   uint64
	steps    map[string]int
	subs     map[int]chan Event
	nextSub  int
}

// NewRecorder creates a recorder holding at most capacity events.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		capacity: capacity,
		ring:     make([]Event, capacity),
		steps:    make(map[string]int),
		subs:     make(map[int]chan Event),
	}
}

// Record appends an info-level event.
func (r *Recorder) Record(scope, label string, detail map[string]interface{}) {
	r.append(LevelInfo, scope, label, detail)
}

// Warn appends a warn-level event.
func (r *Recorder) Warn(scope, label string, detail map[string]interface{}) {
	r.append(LevelWarn, scope, label, detail)
}

// Error appends an error-level event.
func (r *Recorder) Error(scope, label string, detail map[string]interface{}) {
	r.append(LevelError, scope, label, detail)
}

func (r *Recorder) append(level Level, scope, label string, detail map[string]interface{}) {
	if r == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.steps[scope]++

	event := Event{
		ID:        r.nextID,
		Scope:     scope,
		Step:      r.steps[scope],
		Level:     level,
		Label:     label,
		Detail:    detail,
		Timestamp: time.Now(),
	}

	r.ring[(r.head+r.count)%r.capacity] = event
	if r.count == r.capacity {
		r.head = (r.head + 1) % r.capacity
	} else {
		r.count++
	}

	// Fan out without blocking; a slow subscriber misses events rather
	// than stalling the recording path.
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Len returns the number of retained events.
func (r *Recorder) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Snapshot returns the retained events, oldest first.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.ring[(r.head+i)%r.capacity])
	}
	return out
}

// Subscribe registers a live event listener. The returned cancel func
// must be called to release the subscription; it closes the channel.
func (r *Recorder) Subscribe() (<-chan Event, func()) {
	if r == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, subscriberBuffer)
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// FormatLine renders an event in the human-readable export format:
// timestamp, level, source tag with step ordinal, label, JSON detail.
func FormatLine(e Event) string {
	line := fmt.Sprintf("%s %-5s [%s#%d] %s",
		e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		string(e.Level),
		e.Scope,
		e.Step,
		e.Label,
	)
	if len(e.Detail) > 0 {
		if raw, err := json.Marshal(e.Detail); err == nil {
			line += " " + string(raw)
		}
	}
	return line
}

// WriteText exports the retained events to w, one line per event.
func (r *Recorder) WriteText(w io.Writer) error {
	for _, e := range r.Snapshot() {
		if _, err := fmt.Fprintln(w, FormatLine(e)); err != nil {
			return err
		}
	}
	return nil
}
