// Package recorder writes one JSONL trace per pilot session.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultMaxFiles is used when a Recorder is created with maxFiles < 0.
const DefaultMaxFiles = 20

// Entry is one line of a trace file.
type Entry struct {
	Timestamp time.Time              `json:"ts"`
	Op        string                 `json:"op"`
	SessionID string                 `json:"session_id"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Recorder owns the trace directory and its rotation.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	maxFiles int
	now      func() time.Time
}

// NewRecorder creates dir if needed. maxFiles == 0 keeps every trace.
func NewRecorder(dir string, maxFiles int) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("trace directory is required")
	}
	if maxFiles < 0 {
		maxFiles = DefaultMaxFiles
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &Recorder{dir: dir, maxFiles: maxFiles, now: time.Now}, nil
}

// Dir returns the trace directory.
func (r *Recorder) Dir() string {
	return r.dir
}

// Open rotates old traces and starts a new file for sessionID.
func (r *Recorder) Open(sessionID string) (*Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.rotate(); err != nil {
		return nil, fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("trace_%s_%d.jsonl", sessionID, r.now().UnixNano())
	path := filepath.Join(r.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trace{
		sessionID: sessionID,
		path:      path,
		file:      f,
		encoder:   json.NewEncoder(f),
		now:       r.now,
	}, nil
}

// rotate deletes the oldest traces so that, with the file about to be
// created, at most maxFiles remain.
func (r *Recorder) rotate() error {
	if r.maxFiles == 0 {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	type trace struct {
		name string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{e.Name(), info.ModTime()})
	}

	// Newest first; names embed a nanosecond timestamp and break ties.
	sort.Slice(traces, func(i, j int) bool {
		if !traces[i].mod.Equal(traces[j].mod) {
			return traces[i].mod.After(traces[j].mod)
		}
		return traces[i].name > traces[j].name
	})

	keep := r.maxFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(filepath.Join(r.dir, traces[i].name))
	}
	return nil
}

// Trace is an open per-session trace file.
type Trace struct {
	mu        sync.Mutex
	sessionID string
	path      string
	file      *os.File
	encoder   *json.Encoder
	now       func() time.Time
}

// Path returns the trace file path.
func (t *Trace) Path() string {
	return t.path
}

// Trace appends one entry. Writes after Close are dropped.
func (t *Trace) Trace(op string, fields map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.encoder == nil {
		return
	}
	_ = t.encoder.Encode(Entry{
		Timestamp: t.now(),
		Op:        op,
		SessionID: t.sessionID,
		Fields:    fields,
	})
}

// Close flushes and closes the file.
func (t *Trace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.encoder = nil
	return err
}
