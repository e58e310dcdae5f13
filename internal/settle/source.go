package settle

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"pagepilot-mcp-server/internal/document"
)

//go:embed observe.js
var observeJS string

// Script returns the observer function expression. It takes one argument:
// "subscribe", "drain" or "unsubscribe".
func Script() string {
	return observeJS
}

type drainResult struct {
	Records   []Mutation `json:"records"`
	Overflow  int        `json:"overflow"`
	Installed bool       `json:"installed"`
}

// DocumentSource observes a live document through the driver by installing a
// MutationObserver and polling its buffer. When the document is replaced it
// follows the driver to the new document.
type DocumentSource struct {
	driver document.Driver

	mu     sync.Mutex
	handle document.Handle
}

// NewDocumentSource observes the document behind h.
func NewDocumentSource(driver document.Driver, h document.Handle) *DocumentSource {
	return &DocumentSource{driver: driver, handle: h}
}

// Handle returns the handle currently observed.
func (s *DocumentSource) Handle() document.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *DocumentSource) call(ctx context.Context, op string) (drainResult, error) {
	raw, err := s.driver.Evaluate(ctx, s.Handle(), observeJS, op)
	if err != nil {
		return drainResult{}, err
	}
	var res drainResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return drainResult{}, fmt.Errorf("decode %s result: %w", op, err)
	}
	return res, nil
}

// Subscribe installs the observer.
func (s *DocumentSource) Subscribe(ctx context.Context) error {
	_, err := s.call(ctx, "subscribe")
	return err
}

// Drain returns buffered records. A stale handle or a missing observer means
// the document was replaced; the source re-acquires the current handle and
// subscribes there.
func (s *DocumentSource) Drain(ctx context.Context) (Batch, error) {
	res, err := s.call(ctx, "drain")
	switch {
	case err == nil && res.Installed:
		return Batch{Records: res.Records, Overflow: res.Overflow}, nil
	case err != nil && !document.IsStale(err):
		return Batch{}, err
	}

	h, err := s.driver.CurrentHandle(ctx)
	if err != nil {
		return Batch{}, fmt.Errorf("re-acquire handle: %w", err)
	}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
	// The successor may still be loading; the next drain retries.
	_ = s.Subscribe(ctx)
	return Batch{Replaced: true}, nil
}

// Unsubscribe disconnects the observer.
func (s *DocumentSource) Unsubscribe(ctx context.Context) error {
	_, err := s.call(ctx, "unsubscribe")
	if document.IsStale(err) {
		return nil
	}
	return err
}
