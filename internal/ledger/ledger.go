// Package ledger keeps the rolling event log of one document session and the
// follow-up events a controller declared it expects.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the browser collaborator.
const (
	KindClick      = "click"
	KindInput      = "input"
	KindState      = "state"
	KindToast      = "toast"
	KindDialog     = "dialog"
	KindPrompt     = "prompt"
	KindNavigation = "navigation"
)

// DefaultCapacity bounds the event log when no capacity is configured.
const DefaultCapacity = 500

// Event is one observed occurrence.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Subkind   string    `json:"subkind,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Expectation is a declared follow-up event.
type Expectation struct {
	ID           string        `json:"id"`
	SourceAction string        `json:"sourceAction"`
	ElementID    string        `json:"elementId,omitempty"`
	EventKind    string        `json:"expectedEventKind"`
	Timeout      time.Duration `json:"-"`
	TimeoutMs    int64         `json:"timeoutMs"`
	CreatedAt    time.Time     `json:"createdAt"`

	// afterSeq is the last sequence number recorded before the declaration.
	afterSeq uint64
}

// Satisfaction pairs an expectation with the first event that satisfies it.
type Satisfaction struct {
	Expectation Expectation `json:"expectation"`
	Event       Event       `json:"event"`
}

// Pending is an outstanding expectation with no satisfying event yet.
type Pending struct {
	Expectation Expectation `json:"expectation"`
	Expired     bool        `json:"expired"`
}

// PollResult is the answer to a poll.
type PollResult struct {
	Events    []Event        `json:"events"`
	Satisfied []Satisfaction `json:"satisfiedExpectations"`
	Pending   []Pending      `json:"pending"`
	// Watermark is the timestamp to pass as since on the next poll.
	Watermark time.Time `json:"watermark"`
	Dropped   uint64    `json:"dropped,omitempty"`
}

// Ledger is safe for concurrent use; the browser event stream records into it
// while the request loop polls.
type Ledger struct {
	mu           sync.Mutex
	capacity     int
	now          func() time.Time
	seq          uint64
	dropped      uint64
	events       []Event
	expectations []Expectation
}

// New returns a ledger retaining at most capacity events.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{capacity: capacity, now: time.Now}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Declare registers an expectation and returns it.
func (l *Ledger) Declare(sourceAction, elementID, eventKind string, timeout time.Duration) Expectation {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp := Expectation{
		ID:           uuid.NewString(),
		SourceAction: sourceAction,
		ElementID:    elementID,
		EventKind:    eventKind,
		Timeout:      timeout,
		TimeoutMs:    timeout.Milliseconds(),
		CreatedAt:    l.now().Truncate(time.Microsecond),
		afterSeq:     l.seq,
	}
	l.expectations = append(l.expectations, exp)
	if len(l.expectations) > l.capacity {
		l.expectations = append([]Expectation(nil), l.expectations[len(l.expectations)-l.capacity:]...)
	}
	return exp
}

// Record appends ev, stamping it with the current time when it has none. The
// oldest event is dropped once capacity is reached.
func (l *Ledger) Record(ev Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	// Microsecond precision lets a watermark round-trip through a JSON number.
	ev.Timestamp = ev.Timestamp.Truncate(time.Microsecond)
	l.seq++
	ev.Seq = l.seq
	if len(l.events) >= l.capacity {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
		l.dropped++
	}
	l.events = append(l.events, ev)
	return ev
}

// Poll returns events newer than since, the expectations those events
// satisfy and the expectations still pending. Satisfaction does not consume
// an expectation.
func (l *Ledger) Poll(since time.Time) PollResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	res := PollResult{Watermark: since, Dropped: l.dropped}
	for _, ev := range l.events {
		if ev.Timestamp.After(since) {
			res.Events = append(res.Events, ev)
			if ev.Timestamp.After(res.Watermark) {
				res.Watermark = ev.Timestamp
			}
		}
	}

	for _, exp := range l.expectations {
		if ev, ok := firstMatch(exp, res.Events); ok {
			res.Satisfied = append(res.Satisfied, Satisfaction{Expectation: exp, Event: ev})
			continue
		}
		if _, ok := firstMatch(exp, l.events); ok {
			// Satisfied by an event the caller already saw.
			continue
		}
		res.Pending = append(res.Pending, Pending{
			Expectation: exp,
			Expired:     exp.Timeout > 0 && now.Sub(exp.CreatedAt) > exp.Timeout,
		})
	}
	return res
}

// firstMatch finds the first event of the expected kind recorded after the
// declaration. Page clocks only resolve milliseconds, so an event stamped in
// the declaration's millisecond still counts once it arrived later.
func firstMatch(exp Expectation, events []Event) (Event, bool) {
	created := exp.CreatedAt.Truncate(time.Millisecond)
	for _, ev := range events {
		if ev.Kind != exp.EventKind || ev.Seq <= exp.afterSeq {
			continue
		}
		if !ev.Timestamp.Truncate(time.Millisecond).Before(created) {
			return ev, true
		}
	}
	return Event{}, false
}

// Acknowledge consumes an expectation. It reports whether id was outstanding.
func (l *Ledger) Acknowledge(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, exp := range l.expectations {
		if exp.ID == id {
			l.expectations = append(l.expectations[:i], l.expectations[i+1:]...)
			return true
		}
	}
	return false
}

// Expectations returns the outstanding expectations.
func (l *Ledger) Expectations() []Expectation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Expectation(nil), l.expectations...)
}

// Len returns the number of retained events.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Reset clears events and expectations. Sequence numbers keep increasing.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
	l.expectations = nil
	l.dropped = 0
}
