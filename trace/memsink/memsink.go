// Package memsink provides a volatile trace.Sink keeping entries in a process
// local map keyed by run id. It is safe for concurrent access and best suited
// for tests, the CLI or ephemeral servers.
package memsink

import (
	"context"
	"slices"
	"sync"

	"github.com/hupe1980/agentgraph/trace"
)

// Store is an in-memory trace sink. Returned slices are copies, so callers
// cannot mutate stored entries.
type Store struct {
	mu   sync.RWMutex
	runs map[string][]trace.Entry
}

// New constructs an empty store.
func New() *Store {
	return &Store{runs: make(map[string][]trace.Entry)}
}

// Emit stores e under its run id.
func (s *Store) Emit(_ context.Context, e trace.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[e.RunID] = append(s.runs[e.RunID], e)
	return nil
}

// Entries returns the entries recorded for runID in sequence order.
func (s *Store) Entries(runID string) []trace.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.runs[runID])
}

// Runs returns the ids of all recorded runs, sorted.
func (s *Store) Runs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Delete drops all entries of runID.
func (s *Store) Delete(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
}
