// Package settle detects when a document has stopped reacting to an action.
//
// A Detector moves through idle -> observing -> settled | timed-out. While
// observing, mutation records are classified as significant or not; each
// significant mutation restarts the quiet window, and the observation settles
// once a full quiet window passes without one.
package settle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State of a Detector.
type State int

const (
	StateIdle State = iota
	StateObserving
	StateSettled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateObserving:
		return "observing"
	case StateSettled:
		return "settled"
	case StateTimedOut:
		return "timed-out"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DefaultAttributes is the attribute allow-list used when none is configured.
var DefaultAttributes = []string{"style", "class", "hidden", "disabled"}

// Policy holds the timing and classification knobs.
type Policy struct {
	QuietWindow  time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	// Attributes whose changes count as significant.
	Attributes []string
}

// DefaultPolicy returns a 400ms quiet window, a 10s cap and 50ms polling.
func DefaultPolicy() Policy {
	return Policy{
		QuietWindow:  400 * time.Millisecond,
		Timeout:      10 * time.Second,
		PollInterval: 50 * time.Millisecond,
		Attributes:   append([]string(nil), DefaultAttributes...),
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.QuietWindow <= 0 {
		p.QuietWindow = def.QuietWindow
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.PollInterval > p.QuietWindow {
		p.PollInterval = p.QuietWindow
	}
	if p.Attributes == nil {
		p.Attributes = def.Attributes
	}
	return p
}

// Mutation is a summary of one mutation record.
type Mutation struct {
	Type      string `json:"type"`
	Attribute string `json:"attribute"`
	Added     int    `json:"added"`
	Removed   int    `json:"removed"`
}

// Classifier decides which mutations are significant.
type Classifier struct {
	attrs map[string]bool
}

// NewClassifier builds a classifier over an attribute allow-list.
func NewClassifier(attributes []string) Classifier {
	c := Classifier{attrs: make(map[string]bool, len(attributes))}
	for _, a := range attributes {
		c.attrs[a] = true
	}
	return c
}

// Significant reports whether m should restart the quiet window.
func (c Classifier) Significant(m Mutation) bool {
	switch m.Type {
	case "childList":
		return m.Added+m.Removed > 0
	case "attributes":
		return c.attrs[m.Attribute]
	}
	return false
}

// Batch is what one drain of a Source yields.
type Batch struct {
	Records []Mutation
	// Overflow counts records the source dropped; they are treated as
	// significant.
	Overflow int
	// Replaced is set when the observed document was replaced and the source
	// re-subscribed to its successor.
	Replaced bool
}

// Source delivers mutation records for one observation.
type Source interface {
	Subscribe(ctx context.Context) error
	Drain(ctx context.Context) (Batch, error)
	Unsubscribe(ctx context.Context) error
}

// Outcome reports how an observation ended. A timeout is an outcome, not an
// error.
type Outcome struct {
	State            State         `json:"state"`
	Settled          bool          `json:"settled"`
	MutationCount    int           `json:"mutationCount"`
	IgnoredCount     int           `json:"ignoredCount"`
	DocumentReplaced bool          `json:"documentReplaced"`
	Elapsed          time.Duration `json:"-"`
	ElapsedMs        int64         `json:"elapsedMs"`
}

// ErrBusy is returned by Begin while another observation is running.
var ErrBusy = errors.New("settle: observation already in progress")

// maxDrainErrors is how many consecutive drain failures end an observation.
const maxDrainErrors = 3

// Detector runs one observation at a time.
type Detector struct {
	policy     Policy
	classifier Classifier

	mu    sync.Mutex
	state State
}

// NewDetector returns an idle detector.
func NewDetector(p Policy) *Detector {
	p = p.withDefaults()
	return &Detector{policy: p, classifier: NewClassifier(p.Attributes)}
}

// Policy returns the effective policy.
func (d *Detector) Policy() Policy {
	return d.policy
}

// State returns the current state.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Begin subscribes src and moves the detector to observing. Call it before
// performing the action whose effects should be observed.
func (d *Detector) Begin(ctx context.Context, src Source) (*Observation, error) {
	d.mu.Lock()
	if d.state == StateObserving {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	d.state = StateObserving
	d.mu.Unlock()

	if err := src.Subscribe(ctx); err != nil {
		d.setState(StateIdle)
		return nil, fmt.Errorf("subscribe to mutations: %w", err)
	}
	return &Observation{d: d, src: src, start: time.Now()}, nil
}

// Observation is one subscribe/settle cycle.
type Observation struct {
	d     *Detector
	src   Source
	start time.Time

	out  Outcome
	done bool
}

// Cancel ends the observation without waiting.
func (o *Observation) Cancel(ctx context.Context) {
	if o.done {
		return
	}
	o.finish(ctx, StateIdle)
}

func (o *Observation) finish(ctx context.Context, s State) Outcome {
	o.done = true
	_ = o.src.Unsubscribe(context.WithoutCancel(ctx))
	o.out.State = s
	o.out.Settled = s == StateSettled
	o.out.Elapsed = time.Since(o.start)
	o.out.ElapsedMs = o.out.Elapsed.Milliseconds()
	o.d.setState(s)
	return o.out
}

// drain pulls pending records and reports whether any was significant.
func (o *Observation) drain(ctx context.Context) (bool, error) {
	b, err := o.src.Drain(ctx)
	if err != nil {
		return false, err
	}
	significant := b.Replaced || b.Overflow > 0
	if b.Replaced {
		o.out.DocumentReplaced = true
	}
	o.out.MutationCount += b.Overflow
	for _, m := range b.Records {
		if o.d.classifier.Significant(m) {
			o.out.MutationCount++
			significant = true
		} else {
			o.out.IgnoredCount++
		}
	}
	return significant, nil
}

// Wait blocks until the document settles, timeout elapses, or ctx is done.
// A non-positive timeout uses the policy cap. The source is always
// unsubscribed before Wait returns.
func (o *Observation) Wait(ctx context.Context, timeout time.Duration) (Outcome, error) {
	if o.done {
		return o.out, nil
	}
	if timeout <= 0 {
		timeout = o.d.policy.Timeout
	}

	quiet := time.NewTimer(o.d.policy.QuietWindow)
	defer quiet.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.d.policy.PollInterval)
	defer tick.Stop()

	failures := 0
	step := func() (bool, error) {
		sig, err := o.drain(ctx)
		if err != nil {
			failures++
			if failures >= maxDrainErrors {
				return false, fmt.Errorf("drain mutations: %w", err)
			}
			return false, nil
		}
		failures = 0
		return sig, nil
	}

	for {
		select {
		case <-ctx.Done():
			return o.finish(ctx, StateTimedOut), ctx.Err()
		case <-deadline.C:
			_, _ = o.drain(ctx)
			return o.finish(ctx, StateTimedOut), nil
		case <-tick.C:
			sig, err := step()
			if err != nil {
				return o.finish(ctx, StateTimedOut), err
			}
			if sig {
				quiet.Reset(o.d.policy.QuietWindow)
			}
		case <-quiet.C:
			sig, err := step()
			if err != nil {
				return o.finish(ctx, StateTimedOut), err
			}
			if sig {
				quiet.Reset(o.d.policy.QuietWindow)
				continue
			}
			return o.finish(ctx, StateSettled), nil
		}
	}
}
