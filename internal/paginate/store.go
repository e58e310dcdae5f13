package paginate

import (
	"fmt"
	"sync"
)

// Store keeps the current artifact of each kind so its chunks can be fetched
// repeatedly. Fetching is side-effect free.
type Store struct {
	mu        sync.RWMutex
	current   map[Kind]string
	artifacts map[string][]Chunk
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		current:   make(map[Kind]string),
		artifacts: make(map[string][]Chunk),
	}
}

// Put registers chunks as the current artifact of their kind, dropping the
// artifact it supersedes.
func (s *Store) Put(chunks []Chunk) {
	if len(chunks) == 0 {
		return
	}
	kind := chunks[0].Kind
	parent := chunks[0].ParentID

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.current[kind]; ok && prev != parent {
		delete(s.artifacts, prev)
	}
	s.current[kind] = parent
	s.artifacts[parent] = chunks
}

// Get returns chunk index of parentID.
func (s *Store) Get(parentID string, index int) (Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, ok := s.artifacts[parentID]
	if !ok {
		return Chunk{}, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
	}
	if index < 0 || index >= len(chunks) {
		return Chunk{}, fmt.Errorf("%w: %s has %d chunks, requested %d", ErrChunkOutOfRange, parentID, len(chunks), index)
	}
	c := chunks[index]
	c.Data = append([]byte(nil), c.Data...)
	return c, nil
}

// Descriptors lists every chunk descriptor of parentID.
func (s *Store) Descriptors(parentID string) ([]Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, ok := s.artifacts[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParent, parentID)
	}
	out := make([]Descriptor, len(chunks))
	for i, c := range chunks {
		out[i] = c.Descriptor
	}
	return out, nil
}

// Current returns the live parent id for kind.
func (s *Store) Current(kind Kind) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.current[kind]
	return id, ok
}

// Reset drops every artifact.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = make(map[Kind]string)
	s.artifacts = make(map[string][]Chunk)
}
