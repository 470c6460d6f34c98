package memory

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/agentgraph/core"
)

// Document is one entry of a namespace.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is a ranked search hit.
type Result struct {
	Document
	Score float64 `json:"score"`
}

// InMemoryStore is a naive process-local corpus. It offers:
//  1. Append-only documents per namespace (Store / Delete)
//  2. Term search ranked by matched terms (Search)
//
// Concurrency: protected by RWMutex.
type InMemoryStore struct {
	mu      sync.RWMutex
	seq     map[string]int
	storage map[string]map[string]Document // namespace -> id -> document
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		seq:     make(map[string]int),
		storage: make(map[string]map[string]Document),
	}
}

// Store appends a document to namespace and returns its generated id.
func (m *InMemoryStore) Store(namespace, content string, metadata map[string]any) (string, error) {
	if namespace == "" {
		return "", core.NewError(core.KindConfiguration, "memory namespace must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.storage[namespace]; !exists {
		m.storage[namespace] = make(map[string]Document)
	}
	id := fmt.Sprintf("doc_%d", m.seq[namespace])
	m.seq[namespace]++
	m.storage[namespace][id] = Document{ID: id, Content: content, Metadata: maps.Clone(metadata)}

	return id, nil
}

// Search returns up to limit documents of namespace containing at least one
// term of query, best matches first. An empty query matches everything.
// Ties are broken by id so results are deterministic.
func (m *InMemoryStore) Search(namespace, query string, limit int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	docs, exists := m.storage[namespace]
	if !exists || limit == 0 {
		return []Result{}, nil
	}

	terms := strings.Fields(strings.ToLower(query))
	results := make([]Result, 0, len(docs))
	for _, doc := range docs {
		score := 1.0
		if len(terms) > 0 {
			content := strings.ToLower(doc.Content)
			hits := 0
			for _, t := range terms {
				if strings.Contains(content, t) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			score = float64(hits) / float64(len(terms))
		}
		d := doc
		d.Metadata = maps.Clone(doc.Metadata)
		results = append(results, Result{Document: d, Score: score})
	}

	slices.SortFunc(results, func(a, b Result) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// Delete removes a document.
func (m *InMemoryStore) Delete(namespace, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs, exists := m.storage[namespace]
	if !exists {
		return fmt.Errorf("memory namespace %q not found", namespace)
	}
	if _, exists := docs[id]; !exists {
		return fmt.Errorf("memory document %q not found", id)
	}
	delete(docs, id)

	return nil
}

// Len returns the number of documents in namespace.
func (m *InMemoryStore) Len(namespace string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.storage[namespace])
}
